package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecode(t *testing.T, raw string) Envelope {
	t.Helper()
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	return env
}

func TestValidateAcceptsValidMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Type
	}{
		{
			name: "auth",
			raw:  `{"type":"auth","data":{"token":"abc.def.ghi","sessionId":"s-1"}}`,
			want: TypeAuth,
		},
		{
			name: "auth without optional sessionId",
			raw:  `{"type":"auth","data":{"token":"abc.def.ghi"}}`,
			want: TypeAuth,
		},
		{
			name: "transcription",
			raw:  `{"type":"transcription","data":{"text":"hello","isFinal":true,"timestamp":1700000000.5}}`,
			want: TypeTranscription,
		},
		{
			name: "voice_control",
			raw:  `{"type":"voice_control","data":{"action":"pause","sessionId":"s-1"}}`,
			want: TypeVoiceControl,
		},
		{
			name: "session_event",
			raw:  `{"type":"session_event","data":{"event":"topic_changed","metadata":{"topic":"algebra"}}}`,
			want: TypeSessionEvent,
		},
		{
			name: "session_event without metadata",
			raw:  `{"type":"session_event","data":{"event":"session_started"}}`,
			want: TypeSessionEvent,
		},
		{
			name: "math_render",
			raw:  `{"type":"math_render","data":{"latex":"x^2","renderMode":"display"}}`,
			want: TypeMathRender,
		},
		{
			name: "ping",
			raw:  `{"type":"ping","data":{}}`,
			want: TypePing,
		},
		{
			name: "pong without data",
			raw:  `{"type":"pong"}`,
			want: TypePong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Validate(mustDecode(t, tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Kind())
		})
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	env := mustDecode(t, `{"type":"shutdown","data":{}}`)
	_, err := Validate(env)

	var unknown *UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "shutdown", unknown.Type)
}

func TestValidateNamesOffendingField(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{
			name:  "auth missing token",
			raw:   `{"type":"auth","data":{"sessionId":"s-1"}}`,
			field: "token",
		},
		{
			name:  "auth empty token",
			raw:   `{"type":"auth","data":{"token":""}}`,
			field: "token",
		},
		{
			name:  "transcription missing text",
			raw:   `{"type":"transcription","data":{"isFinal":true,"timestamp":1}}`,
			field: "text",
		},
		{
			name:  "transcription wrong isFinal type",
			raw:   `{"type":"transcription","data":{"text":"hi","isFinal":"yes","timestamp":1}}`,
			field: "isFinal",
		},
		{
			name:  "transcription missing timestamp",
			raw:   `{"type":"transcription","data":{"text":"hi","isFinal":false}}`,
			field: "timestamp",
		},
		{
			name:  "voice_control bad action",
			raw:   `{"type":"voice_control","data":{"action":"self_destruct","sessionId":"s-1"}}`,
			field: "action",
		},
		{
			name:  "voice_control missing sessionId",
			raw:   `{"type":"voice_control","data":{"action":"start"}}`,
			field: "sessionId",
		},
		{
			name:  "session_event bad metadata type",
			raw:   `{"type":"session_event","data":{"event":"session_ended","metadata":"oops"}}`,
			field: "metadata",
		},
		{
			name:  "math_render bad render mode",
			raw:   `{"type":"math_render","data":{"latex":"x","renderMode":"3d"}}`,
			field: "renderMode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(mustDecode(t, tt.raw))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)

			found := false
			for _, f := range verr.Fields {
				if f.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "expected field %q in %v", tt.field, verr.Fields)
		})
	}
}

func TestValidateIgnoresExtraFields(t *testing.T) {
	env := mustDecode(t, `{"type":"transcription","data":{"text":"hi","isFinal":false,"timestamp":2,"futureField":true}}`)
	msg, err := Validate(env)
	require.NoError(t, err)

	tr, ok := msg.(Transcription)
	require.True(t, ok)
	assert.Equal(t, "hi", tr.Text)
	assert.False(t, tr.IsFinal)
}

func TestValidateEnforcesFieldSizeCaps(t *testing.T) {
	bigText := strings.Repeat("a", MaxTextBytes+1)
	env := Envelope{Type: string(TypeTranscription), Data: map[string]interface{}{
		"text": bigText, "isFinal": true, "timestamp": float64(1),
	}}
	_, err := Validate(env)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "text", verr.Fields[0].Field)

	bigLatex := strings.Repeat("x", MaxLatexBytes+1)
	env = Envelope{Type: string(TypeMathRender), Data: map[string]interface{}{
		"latex": bigLatex, "renderMode": "inline",
	}}
	_, err = Validate(env)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "latex", verr.Fields[0].Field)
}

func TestValidateCollectsMultipleFieldErrors(t *testing.T) {
	env := mustDecode(t, `{"type":"transcription","data":{}}`)
	_, err := Validate(env)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)
}

func TestDecodeRejectsNonJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}
