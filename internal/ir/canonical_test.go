package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"int", IRInt(42), `42`},
		{"negative int", IRInt(-7), `-7`},
		{"bool true", IRBool(true), `true`},
		{"bool false", IRBool(false), `false`},
		{"empty object", IRObject{}, `{}`},
		{"empty array", IRArray{}, `[]`},
		{"go string", "plain", `"plain"`},
		{"go int", 3, `3`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := IRObject{
		"parent": IRString("root"),
		"id":     IRString("F1"),
		"name":   IRString("Engine"),
	}

	got, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"F1","name":"Engine","parent":"root"}`, string(got))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical(IRString("<a> & <b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a> & <b>"`, string(got))
}

func TestMarshalCanonicalControlCharacters(t *testing.T) {
	got, err := MarshalCanonical(IRString("a\x01b\n\"\\"))
	require.NoError(t, err)
	assert.Equal(t, `"a\u0001b\n\"\\"`, string(got))
}

func TestMarshalCanonicalU2028U2029NotEscaped(t *testing.T) {
	got, err := MarshalCanonical(IRString("x y z"))
	require.NoError(t, err)
	assert.Equal(t, "\"x y z\"", string(got))
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// "e" + combining acute accent normalizes to the precomposed form.
	decomposed := IRString("Café")
	precomposed := IRString("Caf\u00e9")

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(precomposed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
	assert.Equal(t, "\"Caf\u00e9\"", string(a))
}

func TestMarshalCanonicalRejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(3.14)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = MarshalCanonical(map[string]any{"x": 1.5})
	require.Error(t, err)
}

func TestMarshalCanonicalRejectsNull(t *testing.T) {
	_, err := MarshalCanonical(nil)
	require.Error(t, err)

	_, err = MarshalCanonical(IRObject{"x": IRNull{}})
	require.Error(t, err)
}

func TestMarshalCanonicalContext(t *testing.T) {
	got, err := MarshalCanonical(Context{"B": 2, "A": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"A":1,"B":2}`, string(got))
}

func TestMarshalCanonicalOperation(t *testing.T) {
	op := Operation{
		ArtifactID: "fm1",
		SiteID:     "A",
		Seq:        1,
		Kind:       OpAddFeature,
		Payload:    IRObject{"id": IRString("F1"), "parent": IRString("root"), "name": IRString("F1")},
		DependsOn:  Context{"A": 0},
	}

	got, err := MarshalCanonical(op.CanonicalObject())
	require.NoError(t, err)
	assert.Equal(t,
		`{"artifact_id":"fm1","depends_on":{"A":0},"kind":"AddFeature","payload":{"id":"F1","name":"F1","parent":"root"},"seq":1,"site_id":"A"}`,
		string(got))
}

func TestMarshalCanonicalIdempotent(t *testing.T) {
	obj := IRObject{
		"nested": IRObject{"z": IRInt(1), "a": IRArray{IRBool(true), IRString("s")}},
		"top":    IRString("v"),
	}

	first, err := MarshalCanonical(obj)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalCanonical(obj)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNormalizePayloadNFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"
	payload := IRObject{
		"id":     IRString(decomposed),
		"tags":   IRArray{IRString(decomposed), IRInt(1)},
		"nested": IRObject{"name": IRString(decomposed), "on": IRBool(true)},
	}
	payload["caf"+decomposed] = IRString("key")

	got, err := NormalizePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, IRString(composed), got["id"])
	assert.Equal(t, IRArray{IRString(composed), IRInt(1)}, got["tags"])
	assert.Equal(t, IRObject{"name": IRString(composed), "on": IRBool(true)}, got["nested"])
	assert.Equal(t, IRString("key"), got["caf"+composed])
	assert.NotContains(t, got, "caf"+decomposed)

	// The input is untouched.
	assert.Equal(t, IRString(decomposed), payload["id"])

	// The normalized payload encodes to the same bytes as the raw one.
	raw, err := MarshalCanonical(payload)
	require.NoError(t, err)
	normalized, err := MarshalCanonical(got)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(normalized))
}

func TestNormalizePayloadRejectsNull(t *testing.T) {
	_, err := NormalizePayload(IRObject{"id": IRString("F1"), "extra": IRNull{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `value for key "extra": null is forbidden`)

	_, err = NormalizePayload(IRObject{"tags": IRArray{IRString("a"), IRNull{}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "array[1]")

	_, err = NormalizePayload(IRObject{"deep": IRObject{"x": nil}})
	assert.Error(t, err)
}

func TestNormalizePayloadRejectsCollidingKeys(t *testing.T) {
	_, err := NormalizePayload(IRObject{
		"\u00e9":  IRString("composed"),
		"e\u0301": IRString("decomposed"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicates another key")
}

func TestNormalizePayloadNil(t *testing.T) {
	got, err := NormalizePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
