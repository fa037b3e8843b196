package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty object", `{}`, `{}`},
		{"sorted keys", `{"one": 1, "two": "Two"}`, `{"one":1,"two":"Two"}`},
		{"reordered keys", `{"b": "2", "a": "1"}`, `{"a":"1","b":"2"}`},
		{"nested", `{"auth":{"success":true,"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"medium":"email","address":"john.doe@example.org"}]}}}`,
			`{"auth":{"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"address":"john.doe@example.org","medium":"email"}]},"success":true}}`},
		{"unicode kept literal", `{"a": "日本語"}`, `{"a":"日本語"}`},
		{"unicode key order", `{"本": 2, "日": 1}`, `{"日":1,"本":2}`},
		{"escaped unicode decoded", `{"a": "\u65e5"}`, `{"a":"日"}`},
		{"null", `{"a": null}`, `{"a":null}`},
		{"control character", `{"a": "\u0000"}`, `{"a":"\u0000"}`},
		{"html not escaped", `{"a": "<b>&</b>"}`, `{"a":"<b>&</b>"}`},
		{"max safe integer", `{"n": 9007199254740991}`, `{"n":9007199254740991}`},
		{"min safe integer", `{"n": -9007199254740991}`, `{"n":-9007199254740991}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := CanonicalizeJSON([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestCanonicalizeJSONRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"float", `{"n": 1.5}`},
		{"exponent", `{"n": 1e3}`},
		{"above safe range", `{"n": 9007199254740992}`},
		{"below safe range", `{"n": -9007199254740992}`},
		{"trailing data", `{} {}`},
		{"malformed", `{"a":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CanonicalizeJSON([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestMarshalCanonicalGoValues(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{
		"z": []string{"x", "y"},
		"a": int64(7),
		"m": map[string]string{"k": "v"},
		"f": float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":7,"f":3,"m":{"k":"v"},"z":["x","y"]}`, string(out))

	_, err = MarshalCanonical(map[string]any{"f": 0.25})
	assert.Error(t, err)

	_, err = MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestMarshalCanonicalInvalidUTF8(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"a": string([]byte{0xff, 0xfe})})
	assert.Error(t, err)
}
