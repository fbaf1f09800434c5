package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageID_UnmarshalJSON(t *testing.T) {
	tcases := []struct {
		name string
		raw  string
		want MessageID
	}{
		{name: "number", raw: `42`, want: "42"},
		{name: "string", raw: `"join-1-9"`, want: "join-1-9"},
		{name: "null", raw: `null`, want: NoReply},
		{name: "zero", raw: `0`, want: NoReply},
		{name: "minus one", raw: `-1`, want: NoReply},
		{name: "empty string", raw: `""`, want: NoReply},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var id MessageID
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &id))
			assert.Equal(t, tc.want, id)
		})
	}

	var id MessageID
	assert.Error(t, json.Unmarshal([]byte(`{}`), &id))
}

func TestMessageID_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		A MessageID `json:"a"`
		B MessageID `json:"b"`
		C MessageID `json:"c"`
	}{A: "42", B: "join-1-9", C: NoReply})

	require.NoError(t, err)
	assert.JSONEq(t, `{"a":42,"b":"join-1-9","c":null}`, string(b))
}

func TestMessage_Text(t *testing.T) {
	m := Message{
		ContentType:  ContentText,
		OriginalText: "hola",
		Translations: map[string]string{"en": "hello"},
	}

	text, ok := m.Text(RawLanguage)
	assert.True(t, ok)
	assert.Equal(t, "hola", text)

	text, ok = m.Text("en")
	assert.True(t, ok)
	assert.Equal(t, "hello", text)

	_, ok = m.Text("fr")
	assert.False(t, ok)

	m.IsRecalled = true
	text, ok = m.Text(RawLanguage)
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestMessage_CloneCopiesTranslations(t *testing.T) {
	m := Message{Id: "1", Translations: map[string]string{"en": "hello"}}

	c := m.Clone()
	c.Translations["en"] = "changed"

	assert.Equal(t, "hello", m.Translations["en"])
}

func TestSelection(t *testing.T) {
	single := Selection{Single: "fr", First: RawLanguage, Second: "en"}
	assert.Equal(t, []string{"fr"}, single.Keys())
	assert.False(t, single.IsRaw())

	split := Selection{IsSplit: true, Single: "fr", First: RawLanguage, Second: RawLanguage}
	assert.Equal(t, []string{RawLanguage, RawLanguage}, split.Keys())
	assert.True(t, split.IsRaw())

	raw := single.Raw()
	assert.True(t, raw.IsRaw())
	assert.False(t, raw.IsSplit)
	assert.True(t, DefaultSelection().IsRaw())
}

func TestJoinCSV(t *testing.T) {
	assert.Equal(t, "4,5,6", JoinCSV([]MessageID{"4", "5", "6"}))
	assert.Equal(t, "", JoinCSV(nil))
}
