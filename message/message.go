// Package message defines the WebSocket message envelope and the typed
// variants behind its `type` discriminator, together with the schema
// validator that turns untyped decoded payloads into validated values.
package message

// Type is the discriminator carried in the message envelope.
type Type string

const (
	TypeAuth          Type = "auth"
	TypeTranscription Type = "transcription"
	TypeVoiceControl  Type = "voice_control"
	TypeSessionEvent  Type = "session_event"
	TypeMathRender    Type = "math_render"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
)

// Types lists every recognized discriminator value.
func Types() []Type {
	return []Type{
		TypeAuth,
		TypeTranscription,
		TypeVoiceControl,
		TypeSessionEvent,
		TypeMathRender,
		TypePing,
		TypePong,
	}
}

// Field size caps. Oversized fields are a validation failure, independent of
// the envelope-level byte cap enforced by the facade.
const (
	MaxTextBytes  = 10 * 1024
	MaxLatexBytes = 5 * 1024
)

// VoiceAction enumerates voice_control actions.
type VoiceAction string

const (
	ActionStart  VoiceAction = "start"
	ActionStop   VoiceAction = "stop"
	ActionPause  VoiceAction = "pause"
	ActionResume VoiceAction = "resume"
	ActionMute   VoiceAction = "mute"
	ActionUnmute VoiceAction = "unmute"
)

var voiceActions = map[VoiceAction]bool{
	ActionStart:  true,
	ActionStop:   true,
	ActionPause:  true,
	ActionResume: true,
	ActionMute:   true,
	ActionUnmute: true,
}

// SessionEventName enumerates session_event events.
type SessionEventName string

const (
	SessionStarted SessionEventName = "session_started"
	SessionEnded   SessionEventName = "session_ended"
	TopicChanged   SessionEventName = "topic_changed"
	IdleWarning    SessionEventName = "idle_warning"
)

var sessionEvents = map[SessionEventName]bool{
	SessionStarted: true,
	SessionEnded:   true,
	TopicChanged:   true,
	IdleWarning:    true,
}

// RenderMode enumerates math_render render modes.
type RenderMode string

const (
	RenderInline  RenderMode = "inline"
	RenderDisplay RenderMode = "display"
)

var renderModes = map[RenderMode]bool{
	RenderInline:  true,
	RenderDisplay: true,
}

// Message is a validated, typed message.
type Message interface {
	Kind() Type
}

// Auth carries the session credential. It must be the first message on a
// connection.
type Auth struct {
	Token     string
	SessionID string
}

// Kind implements Message.
func (Auth) Kind() Type { return TypeAuth }

// Transcription carries a fragment of recognized speech.
type Transcription struct {
	Text      string
	IsFinal   bool
	Timestamp float64
}

// Kind implements Message.
func (Transcription) Kind() Type { return TypeTranscription }

// VoiceControl carries a voice session control action.
type VoiceControl struct {
	Action    VoiceAction
	SessionID string
}

// Kind implements Message.
func (VoiceControl) Kind() Type { return TypeVoiceControl }

// SessionEvent carries a learning-session lifecycle event.
type SessionEvent struct {
	Event    SessionEventName
	Metadata map[string]interface{}
}

// Kind implements Message.
func (SessionEvent) Kind() Type { return TypeSessionEvent }

// MathRender asks for a LaTeX fragment to be rendered.
type MathRender struct {
	Latex      string
	RenderMode RenderMode
}

// Kind implements Message.
func (MathRender) Kind() Type { return TypeMathRender }

// Ping is a heartbeat request.
type Ping struct{}

// Kind implements Message.
func (Ping) Kind() Type { return TypePing }

// Pong is a heartbeat response.
type Pong struct{}

// Kind implements Message.
func (Pong) Kind() Type { return TypePong }
