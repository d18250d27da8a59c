package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var symmetryPairs = [][2]string{
	{"123 Main St", "123 Main Street"},
	{"MARTHA", "MARHTA"},
	{"DWAYNE", "DUANE"},
	{"DIXON", "DICKSONX"},
	{"20850", "20852"},
	{"", "anything"},
	{"Suite 200", "Ste. 200"},
	{"abc", "cba"},
	{"crate", "trace"},
	{"Rockville", "Rockvile"},
	{"a", "b"},
	{"!!!", "???"},
}

func TestSymmetry(t *testing.T) {
	t.Parallel()

	funcs := map[string]func(a, b string) float64{
		"cosine":       Cosine,
		"jaro_winkler": JaroWinkler,
		"levenshtein":  Levenshtein,
		"address":      Address,
	}
	for name, fn := range funcs {
		for _, p := range symmetryPairs {
			assert.Equal(t, fn(p[0], p[1]), fn(p[1], p[0]), "%s(%q,%q)", name, p[0], p[1])
		}
	}
}

func TestAddress_Identity(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"123 Main St", "x", "!!!", "Café Médical Plaza"} {
		assert.Equal(t, 1.0, Address(s, s), s)
	}
}

func TestAddress_Empty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Address("", "123 Main St"))
	assert.Equal(t, 0.0, Address("123 Main St", ""))
	assert.Equal(t, 0.0, Address("", ""))
	assert.Equal(t, 0.0, Address("   ", "x"))
	assert.Equal(t, 0.0, Address("   ", " "))
}

func TestAddress_IdentityWithoutTokens(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"   ", "\t", "#", "--"} {
		assert.Equal(t, 1.0, Address(s, s), "%q", s)
	}
}

func TestAddress_Blend(t *testing.T) {
	t.Parallel()

	// No shared tokens: only the character metrics contribute.
	// JW("20850","20852") = 0.92, Levenshtein = 0.8.
	assert.InDelta(t, 0.3*0.92+0.2*0.8, Address("20850", "20852"), 1e-3)

	near := Address("123 Main St", "123 Main Street")
	far := Address("123 Main St", "9 Elm Avenue")
	assert.Greater(t, near, far)
	assert.Greater(t, near, 0.5)
}

func TestCosine(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, Cosine("123 Main St", "123 main st"))
	assert.InDelta(t, 1.0, Cosine("123 Main St", "Main St, 123"), 1e-9)
	assert.InDelta(t, 0.5, Cosine("main st", "main street"), 1e-9)
	assert.Equal(t, 0.0, Cosine("main", "elm"))
	assert.Equal(t, 0.0, Cosine("", "main"))
	assert.Equal(t, 0.0, Cosine("...", "main"))
}

func TestJaroWinkler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want float64
	}{
		{"MARTHA", "MARHTA", 0.9611},
		{"DWAYNE", "DUANE", 0.84},
		{"DIXON", "DICKSONX", 0.8133},
		{"same", "same", 1},
		{"abc", "xyz", 0},
		{"", "abc", 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, JaroWinkler(tt.a, tt.b), 1e-3, "%q vs %q", tt.a, tt.b)
	}
}

func TestJaroWinkler_CaseAndAccentInsensitive(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, JaroWinkler("CAFÉ", "cafe"))
}

func TestLevenshtein(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1-3.0/7, Levenshtein("kitten", "sitting"), 1e-9)
	assert.Equal(t, 1.0, Levenshtein("", ""))
	assert.Equal(t, 0.0, Levenshtein("", "abc"))
	assert.Equal(t, 1.0, Levenshtein("Main", "main"))
	assert.InDelta(t, 0.8, Levenshtein("20850", "20852"), 1e-9)
}

func TestRange(t *testing.T) {
	t.Parallel()

	for _, p := range symmetryPairs {
		for _, v := range []float64{Cosine(p[0], p[1]), JaroWinkler(p[0], p[1]), Levenshtein(p[0], p[1]), Address(p[0], p[1])} {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"nurse", "certified", "registered", "anesthetist"},
		Tokens("Nurse, Certified Registered  Anesthetist"))
	assert.Empty(t, Tokens(" ,. "))
	assert.Equal(t, "cafe medical", Fold("  Café   MÉDICAL "))
}
