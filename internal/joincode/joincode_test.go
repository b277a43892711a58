package joincode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Format(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := Generate()
		require.NoError(t, err)
		assert.True(t, Valid(code), "generated code %q should be valid", code)
		assert.Len(t, code, len(Prefix)+1+Length)
	}
}

func TestGenerate_Distinct(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		code, err := Generate()
		require.NoError(t, err)
		_, dup := seen[code]
		require.False(t, dup, "duplicate code %q", code)
		seen[code] = struct{}{}
	}
}

func TestAlphabet_Unambiguous(t *testing.T) {
	for _, r := range "01ILO" {
		assert.NotContains(t, Alphabet, string(r))
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "canonical", input: "EVT-ABCDEFGH2", want: "EVT-ABCDEFGH2"},
		{name: "lower case", input: "evt-abcdefgh2", want: "EVT-ABCDEFGH2"},
		{name: "surrounding space", input: "  EVT-ABCDEFGH2 \n", want: "EVT-ABCDEFGH2"},
		{name: "body only", input: "abcdefgh2", want: "EVT-ABCDEFGH2"},
		{name: "missing dash", input: "EVTABCDEFGH2", want: "EVT-ABCDEFGH2"},
		{name: "embedded spaces", input: "EVT- ABC DEF GH2", want: "EVT-ABCDEFGH2"},
		{name: "body resembling prefix", input: "evtabcdef", want: "EVT-EVTABCDEF"},
		{name: "empty", input: "   ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input))
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("EVT-ABCDEFGH2"))
	assert.False(t, Valid("EVT-ABCDEFGH"), "too short")
	assert.False(t, Valid("EVT-ABCDEFGHO"), "ambiguous character")
	assert.False(t, Valid("ABC-ABCDEFGH2"), "wrong prefix")
	assert.False(t, Valid(""))
}
