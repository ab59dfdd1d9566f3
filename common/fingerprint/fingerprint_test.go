package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	v, err := Decode([]byte(s))
	require.NoError(t, err)
	return v
}

func TestStableJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sorted keys", `{"b":1,"a":2}`, `{"a":2,"b":1}`},
		{"nested objects sorted", `{"z":{"y":1,"x":[3,{"d":1,"c":2}]},"a":null}`, `{"a":null,"z":{"x":[3,{"c":2,"d":1}],"y":1}}`},
		{"whitespace removed", "{ \"a\" : [ 1 , 2 ] }", `{"a":[1,2]}`},
		{"unicode kept raw", `{"name":"යසිත්"}`, `{"name":"යසිත්"}`},
		{"escaped unicode decoded", `{"s":"é"}`, `{"s":"é"}`},
		{"html not escaped", `{"h":"<a href='x'>&</a>"}`, `{"h":"<a href='x'>&</a>"}`},
		{"control characters", `{"c":"a\nb\u0001"}`, `{"c":"a\nb\u0001"}`},
		{"quotes and backslash", `{"q":"\"\\"}`, `{"q":"\"\\"}`},
		{"booleans", `[true,false]`, `[true,false]`},
		{"big integer", `{"n":123456789012345678901234567890}`, `{"n":123456789012345678901234567890}`},
		{"negative zero integer", `-0`, `0`},
		{"float", `12.50`, `12.5`},
		{"integral float", `1.0`, `1.0`},
		{"exponent integral", `1E2`, `100.0`},
		{"small float", `0.0001`, `0.0001`},
		{"tiny float", `0.00001`, `1e-05`},
		{"large float", `1e16`, `1e+16`},
		{"just below exponent", `1e15`, `1000000000000000.0`},
		{"fractional exponent", `1.5e-7`, `1.5e-07`},
		{"negative float", `-2.75`, `-2.75`},
		{"negative zero float", `-0.0`, `-0.0`},
		{"overflow", `1e400`, `Infinity`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StableJSON(decode(t, tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestStableJSON_GoValues(t *testing.T) {
	got, err := StableJSON(map[string]any{"b": 1.5, "a": 3, "c": []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"b":1.5,"c":["x"]}`, string(got))
}

func TestCompute_KeyOrderIndependent(t *testing.T) {
	a := decode(t, `{"order_id":"O1","total_amount":"12.50","meta":{"x":1,"y":2}}`)
	b := decode(t, `{"meta":{"y":2,"x":1},"total_amount":"12.50","order_id":"O1"}`)

	fpA, err := Compute("order.paid", "m-1", a)
	require.NoError(t, err)
	fpB, err := Compute("order.paid", "m-1", b)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
	assert.Len(t, fpA, 64)
}

func TestCompute_MatchesDefinition(t *testing.T) {
	fp, err := Compute("order.paid", "m-1", decode(t, `{"b":2,"a":1}`))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(`order.paid|m-1|{"a":1,"b":2}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), fp)
}

func TestCompute_InputsMatter(t *testing.T) {
	payload := decode(t, `{"a":1}`)
	base, _ := Compute("order.paid", "m-1", payload)
	otherKey, _ := Compute("order.created", "m-1", payload)
	otherID, _ := Compute("order.paid", "m-2", payload)
	noID, _ := Compute("order.paid", "", payload)

	assert.NotEqual(t, base, otherKey)
	assert.NotEqual(t, base, otherID)
	assert.NotEqual(t, base, noID)
}

func TestDecodeBody(t *testing.T) {
	raw, v, err := DecodeBody([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, raw)
	assert.Equal(t, map[string]any{"a": json.Number("1")}, v)

	raw, _, err = DecodeBody([]byte("{not json"))
	assert.Error(t, err)
	assert.Equal(t, "{not json", raw)

	_, _, err = DecodeBody([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestToValidUTF8(t *testing.T) {
	assert.Equal(t, "ok", ToValidUTF8([]byte("ok")))
	assert.Equal(t, "a��b", ToValidUTF8([]byte{'a', 0xff, 0xfe, 'b'}))
}
