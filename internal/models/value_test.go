package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueMatchKey(t *testing.T) {
	attrs, err := ParseAttributes([]byte(`{
		"ip": "192.168.1.100",
		"port": 100,
		"ratio": 1.50,
		"enabled": true,
		"tags": ["a", 1],
		"owner": {"team": "ops"},
		"empty": null
	}`))
	require.NoError(t, err)

	cases := map[string]string{
		"ip":      "192.168.1.100",
		"port":    "100",
		"ratio":   "1.50",
		"enabled": "true",
		"tags":    `["a",1]`,
		"owner":   `{"team":"ops"}`,
	}
	for field, want := range cases {
		v, ok := attrs.Lookup(field)
		require.True(t, ok, field)
		require.Equal(t, want, v.String(), field)
	}

	_, ok := attrs.Lookup("empty")
	require.False(t, ok)
	_, ok = attrs.Lookup("missing")
	require.False(t, ok)
}

func TestNumberAndStringShareMatchKey(t *testing.T) {
	require.Equal(t, StringValue("100").String(), IntValue(100).String())
	require.NotEqual(t, StringValue("100").String(), NumberValue(json.Number("100.0")).String())
}

func TestParseAttributesRejectsNonObject(t *testing.T) {
	_, err := ParseAttributes([]byte(`[1,2]`))
	require.Error(t, err)

	m, err := ParseAttributes(nil)
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestValueNativeAndTruthy(t *testing.T) {
	attrs, err := ParseAttributes([]byte(`{"n": 42, "f": 2.5, "s": "", "l": [true]}`))
	require.NoError(t, err)

	native := attrs.Native()
	require.Equal(t, int64(42), native["n"])
	require.Equal(t, 2.5, native["f"])
	require.Equal(t, []any{true}, native["l"])

	require.True(t, attrs["n"].Truthy())
	require.False(t, attrs["s"].Truthy())
	require.False(t, IntValue(0).Truthy())
}

func TestValueRoundTrip(t *testing.T) {
	in := []byte(`{"a":[1,"x",{"b":false}],"c":3.10}`)
	attrs, err := ParseAttributes(in)
	require.NoError(t, err)
	out, err := json.Marshal(attrs)
	require.NoError(t, err)
	require.JSONEq(t, string(in), string(out))
}
