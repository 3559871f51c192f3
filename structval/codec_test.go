package structval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseJSON_KeepsNumberLiteral(t *testing.T) {
	v, err := ParseJSON([]byte(`{"block":18446744073709551615,"ratio":0.1}`))
	require.NoError(t, err)

	block, _ := v.Get("block")
	n, ok := block.AsNumber()
	assert.True(t, ok)
	assert.Equal(t, json.Number("18446744073709551615"), n)
	assert.Equal(t, `{"block":18446744073709551615,"ratio":0.1}`, v.String())
}

func Test_ParseJSON_Malformed(t *testing.T) {
	for _, in := range []string{``, `{`, `{"a":}`, `{"a":1} {"b":2}`, `[1,]`} {
		_, err := ParseJSON([]byte(in))
		assert.Error(t, err, "input %q", in)
	}
}

func Test_ParseYAML_Mapping(t *testing.T) {
	doc := `
network: taiko_a7
prover:
  threads: 4
  ratio: 1.5
  enabled: true
  tags: [a, b]
1: numeric-key
`
	v, err := ParseYAML([]byte(doc))
	require.NoError(t, err)

	expected := mustJSON(t, `{"network":"taiko_a7","prover":{"threads":4,"ratio":1.5,"enabled":true,"tags":["a","b"]},"1":"numeric-key"}`)
	assert.True(t, expected.Equal(v), "got %s", v)
}

func Test_ParseYAML_Empty(t *testing.T) {
	v, err := ParseYAML([]byte(""))
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func Test_Value_UnmarshalInStruct(t *testing.T) {
	var body struct {
		Params Value `json:"params"`
	}
	err := json.Unmarshal([]byte(`{"params":{"a":[1,"x",null,false]}}`), &body)
	require.NoError(t, err)
	assert.Equal(t, KindMapping, body.Params.Kind())
	assert.Equal(t, `{"a":[1,"x",null,false]}`, body.Params.String())
}

func Test_FromStruct_UsesJSONTags(t *testing.T) {
	s := struct {
		Address string  `json:"address"`
		Limit   int     `json:"concurrency_limit"`
		Cache   *string `json:"cache,omitempty"`
	}{Address: "0.0.0.0:8080", Limit: 16}

	v, err := FromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"address", "concurrency_limit"}, v.Keys())
}

func Test_Value_ToGoRoundTrip(t *testing.T) {
	v := mustJSON(t, `{"a":{"b":[1,true,"s",null]}}`)
	back, err := FromGo(v.ToGo())
	require.NoError(t, err)
	assert.True(t, v.Equal(back))
}

func Test_Value_EqualNumbers(t *testing.T) {
	assert.True(t, Int(1).Equal(Number("1.0")))
	assert.False(t, Int(1).Equal(Int(2)))
	assert.False(t, Int(1).Equal(String("1")))
}
