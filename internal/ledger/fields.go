package ledger

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/model"
)

// FieldMapVersion tracks the provider schema revision the allow-list below
// was written against. Bump it together with store migrations that add or
// rename provider columns.
const FieldMapVersion = 3

// fieldColumns maps logical issue field names onto physical provider
// columns. Anything absent is refused.
var fieldColumns = map[string]string{
	"name":                   "name",
	"phone":                  "phone",
	"email":                  "email",
	"website":                "website",
	"address":                "address_line1",
	"address_line1":          "address_line1",
	"address_line2":          "address_line2",
	"city":                   "city",
	"state":                  "state",
	"zip":                    "zip",
	"speciality":             "speciality",
	"specialty":              "speciality",
	"license":                "license_number",
	"license_number":         "license_number",
	"license_state":          "license_state",
	"license_status":         "license_status",
	"certification":          "primary_certification",
	"primary_certification":  "primary_certification",
	"certifications":         "certifications",
	"accepting_new_patients": "accepting_new_patients",
	"telehealth_available":   "telehealth_available",
}

// ColumnFor resolves a logical field name to its provider column.
func ColumnFor(field string) (string, error) {
	col, ok := fieldColumns[strings.ToLower(strings.TrimSpace(field))]
	if !ok || !model.IsProviderColumn(col) {
		return "", eris.Wrapf(ErrUnmappedField, "field %q", field)
	}
	return col, nil
}

// coerce converts a suggested value into the Go value stored in column.
// Boolean columns accept truthy strings. JSON columns fall back to the raw
// string when it does not parse.
func coerce(column, raw string) any {
	switch model.ProviderColumns[column] {
	case model.ColumnBool:
		return model.Truthy(raw)
	case model.ColumnJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			zap.L().Warn("ledger: suggested value is not json, storing raw",
				zap.String("column", column),
				zap.Error(err),
			)
			return raw
		}
		return v
	}
	return raw
}

// sameValue reports whether a re-read column value matches what was written.
func sameValue(column string, want, got any) bool {
	switch model.ProviderColumns[column] {
	case model.ColumnJSON:
		a, errA := json.Marshal(want)
		b, errB := json.Marshal(got)
		if errA != nil || errB != nil {
			return false
		}
		return string(a) == string(b)
	case model.ColumnBool:
		return reflect.DeepEqual(want, got)
	}
	return renderValue(want) == renderValue(got)
}

// renderValue formats a column value for logs and comparisons.
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(out)
}
