package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want Language
	}{
		{"c", LanguageC},
		{"C", LanguageC},
		{"cpp", LanguageCPP},
		{"C++", LanguageCPP},
		{" java ", LanguageJava},
		{"Python", LanguagePython},
		{"javascript", LanguageJavaScript},
		{"JavaScript", LanguageJavaScript},
	}
	for _, tt := range tests {
		got, err := ParseLanguage(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLanguage("rust")
	assert.Error(t, err)
	_, err = ParseLanguage("")
	assert.Error(t, err)
}

func TestLanguageNames(t *testing.T) {
	for _, l := range Languages {
		assert.True(t, l.Valid(), l)
		assert.NotEmpty(t, l.DisplayName(), l)
	}
	assert.Equal(t, "C++", LanguageCPP.DisplayName())
	assert.False(t, Language("go").Valid())
}

func TestEnvelopeWireShape(t *testing.T) {
	env, err := NewEnvelope(EventExecute, 3, ExecuteRequest{Language: LanguagePython, Code: "print(1)"})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"execute","runId":3,"data":{"language":"python","code":"print(1)"}}`, string(raw))

	env, err = NewEnvelope(EventWaitingForInput, 3, nil)
	require.NoError(t, err)
	raw, err = json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"waiting-for-input","runId":3}`, string(raw))
}

func TestEnvelopeParseData(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"event":"result","runId":2,"data":{"success":false,"error":"boom"}}`), &env))
	var res ResultEvent
	require.NoError(t, env.ParseData(&res))
	assert.Equal(t, ResultEvent{Success: false, Error: "boom"}, res)

	// No payload leaves the target untouched.
	out := OutputEvent{Output: "kept"}
	require.NoError(t, Envelope{Event: EventOutput}.ParseData(&out))
	require.NoError(t, Envelope{Event: EventOutput, Data: json.RawMessage("null")}.ParseData(&out))
	assert.Equal(t, "kept", out.Output)

	assert.Error(t, Envelope{Event: EventOutput, Data: json.RawMessage(`{"output":5}`)}.ParseData(&out))
}

func TestProgramSessionClose(t *testing.T) {
	s := NewSession(1, LanguageC, "int main(){}")
	assert.False(t, s.Closed())
	assert.False(t, s.ReadsInput())

	s.Close()
	s.Close()
	assert.True(t, s.Closed())
}
