package detect

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/similarity"
)

// valueKind selects how a field is normalized for comparison.
type valueKind int

const (
	kindText valueKind = iota
	kindPhone
	kindTokens
	kindWebsite
	kindZip
	kindState
	kindBool
	kindJSON
)

// abbrToState maps lowercase state abbreviations to lowercase full names.
var abbrToState = map[string]string{
	"al": "alabama", "ak": "alaska", "az": "arizona", "ar": "arkansas",
	"ca": "california", "co": "colorado", "ct": "connecticut", "de": "delaware",
	"fl": "florida", "ga": "georgia", "hi": "hawaii", "id": "idaho",
	"il": "illinois", "in": "indiana", "ia": "iowa", "ks": "kansas",
	"ky": "kentucky", "la": "louisiana", "me": "maine", "md": "maryland",
	"ma": "massachusetts", "mi": "michigan", "mn": "minnesota", "ms": "mississippi",
	"mo": "missouri", "mt": "montana", "ne": "nebraska", "nv": "nevada",
	"nh": "new hampshire", "nj": "new jersey", "nm": "new mexico", "ny": "new york",
	"nc": "north carolina", "nd": "north dakota", "oh": "ohio", "ok": "oklahoma",
	"or": "oregon", "pa": "pennsylvania", "ri": "rhode island", "sc": "south carolina",
	"sd": "south dakota", "tn": "tennessee", "tx": "texas", "ut": "utah",
	"vt": "vermont", "va": "virginia", "wa": "washington", "wv": "west virginia",
	"wi": "wisconsin", "wy": "wyoming", "dc": "district of columbia",
	"pr": "puerto rico", "gu": "guam", "vi": "virgin islands",
}

// stateToAbbr maps lowercase full names to lowercase abbreviations.
var stateToAbbr = func() map[string]string {
	m := make(map[string]string, len(abbrToState))
	for abbr, full := range abbrToState {
		m[full] = abbr
	}
	return m
}()

// normalize returns the comparison form of v for the given kind.
func normalize(kind valueKind, v string) string {
	switch kind {
	case kindPhone:
		return normalizePhone(v)
	case kindTokens:
		tokens := similarity.Tokens(v)
		sort.Strings(tokens)
		return strings.Join(tokens, " ")
	case kindWebsite:
		return normalizeWebsite(v)
	case kindZip:
		return normalizeZip(v)
	case kindState:
		return normalizeState(v)
	case kindBool:
		return strconv.FormatBool(model.Truthy(v))
	case kindJSON:
		return canonicalJSON(v)
	}
	return similarity.Fold(v)
}

// normalizePhone keeps digits only and drops a leading US country code.
func normalizePhone(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	return d
}

func normalizeWebsite(v string) string {
	d := strings.ToLower(strings.TrimSpace(v))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	return strings.TrimSuffix(d, "/")
}

// normalizeZip keeps the first five digits of a ZIP or ZIP+4.
func normalizeZip(v string) string {
	d := normalizePhone(v)
	if len(d) > 5 {
		d = d[:5]
	}
	return d
}

// normalizeState returns the lowercase two-letter abbreviation, or the
// folded input when the state is not recognized.
func normalizeState(v string) string {
	lower := similarity.Fold(v)
	if _, ok := abbrToState[lower]; ok {
		return lower
	}
	if abbr, ok := stateToAbbr[lower]; ok {
		return abbr
	}
	return lower
}

// canonicalJSON re-encodes v so that key order and spacing do not matter.
// Values that are not JSON compare as folded text.
func canonicalJSON(v string) string {
	var decoded any
	if err := json.Unmarshal([]byte(v), &decoded); err != nil {
		return similarity.Fold(v)
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return similarity.Fold(v)
	}
	return string(out)
}

// render turns a column or payload value into its display string. JSON
// values that are not strings are encoded.
func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(out)
}
