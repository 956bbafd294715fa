package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the wire format: a discriminator plus an untyped data object.
type Envelope struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// FieldError names a single offending field.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationError reports why a payload failed schema validation.
type ValidationError struct {
	Type   string
	Fields []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("message type %q: invalid payload", e.Type)
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("message type %q: %s", e.Type, strings.Join(parts, "; "))
}

// UnknownTypeError reports a discriminator outside the closed set.
type UnknownTypeError struct {
	Type string
}

// Error implements the error interface.
func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// Decode parses a raw payload into an Envelope. A missing or non-object
// data field decodes to a nil map; validation decides whether that is
// acceptable for the message type.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &ValidationError{
			Type:   "",
			Fields: []FieldError{{Field: "(payload)", Reason: "not a JSON object: " + err.Error()}},
		}
	}
	return env, nil
}

// Validate classifies the envelope against the closed set of message kinds
// and checks the field contract of the selected kind.
//
// Unexpected extra fields are ignored for forward compatibility. Failures
// return either *UnknownTypeError or *ValidationError naming the offending
// fields.
func Validate(env Envelope) (Message, error) {
	switch Type(env.Type) {
	case TypeAuth:
		return validateAuth(env.Data)
	case TypeTranscription:
		return validateTranscription(env.Data)
	case TypeVoiceControl:
		return validateVoiceControl(env.Data)
	case TypeSessionEvent:
		return validateSessionEvent(env.Data)
	case TypeMathRender:
		return validateMathRender(env.Data)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

// fieldChecker accumulates field errors for one message kind.
type fieldChecker struct {
	msgType Type
	data    map[string]interface{}
	errs    []FieldError
}

func newChecker(t Type, data map[string]interface{}) *fieldChecker {
	return &fieldChecker{msgType: t, data: data}
}

func (c *fieldChecker) fail(field, reason string) {
	c.errs = append(c.errs, FieldError{Field: field, Reason: reason})
}

func (c *fieldChecker) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return &ValidationError{Type: string(c.msgType), Fields: c.errs}
}

// requireString returns the named field as a string. maxBytes <= 0 means
// unbounded.
func (c *fieldChecker) requireString(field string, maxBytes int) (string, bool) {
	v, ok := c.data[field]
	if !ok || v == nil {
		c.fail(field, "required field is missing")
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		c.fail(field, "must be a string")
		return "", false
	}
	if maxBytes > 0 && len(s) > maxBytes {
		c.fail(field, fmt.Sprintf("exceeds %d byte limit", maxBytes))
		return "", false
	}
	return s, true
}

func (c *fieldChecker) optionalString(field string) (string, bool) {
	v, ok := c.data[field]
	if !ok || v == nil {
		return "", true
	}
	s, ok := v.(string)
	if !ok {
		c.fail(field, "must be a string")
		return "", false
	}
	return s, true
}

func (c *fieldChecker) requireBool(field string) (bool, bool) {
	v, ok := c.data[field]
	if !ok || v == nil {
		c.fail(field, "required field is missing")
		return false, false
	}
	b, ok := v.(bool)
	if !ok {
		c.fail(field, "must be a boolean")
		return false, false
	}
	return b, true
}

func (c *fieldChecker) requireNumber(field string) (float64, bool) {
	v, ok := c.data[field]
	if !ok || v == nil {
		c.fail(field, "required field is missing")
		return 0, false
	}
	n, ok := v.(float64)
	if !ok {
		c.fail(field, "must be a number")
		return 0, false
	}
	return n, true
}

func (c *fieldChecker) optionalObject(field string) (map[string]interface{}, bool) {
	v, ok := c.data[field]
	if !ok || v == nil {
		return nil, true
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		c.fail(field, "must be an object")
		return nil, false
	}
	return m, true
}

func validateAuth(data map[string]interface{}) (Message, error) {
	c := newChecker(TypeAuth, data)
	token, _ := c.requireString("token", 0)
	if token == "" && len(c.errs) == 0 {
		c.fail("token", "must be non-empty")
	}
	sessionID, _ := c.optionalString("sessionId")
	if err := c.err(); err != nil {
		return nil, err
	}
	return Auth{Token: token, SessionID: sessionID}, nil
}

func validateTranscription(data map[string]interface{}) (Message, error) {
	c := newChecker(TypeTranscription, data)
	text, _ := c.requireString("text", MaxTextBytes)
	isFinal, _ := c.requireBool("isFinal")
	ts, _ := c.requireNumber("timestamp")
	if err := c.err(); err != nil {
		return nil, err
	}
	return Transcription{Text: text, IsFinal: isFinal, Timestamp: ts}, nil
}

func validateVoiceControl(data map[string]interface{}) (Message, error) {
	c := newChecker(TypeVoiceControl, data)
	action, actionOK := c.requireString("action", 0)
	if actionOK && !voiceActions[VoiceAction(action)] {
		c.fail("action", fmt.Sprintf("unrecognized action %q", action))
	}
	sessionID, _ := c.requireString("sessionId", 0)
	if err := c.err(); err != nil {
		return nil, err
	}
	return VoiceControl{Action: VoiceAction(action), SessionID: sessionID}, nil
}

func validateSessionEvent(data map[string]interface{}) (Message, error) {
	c := newChecker(TypeSessionEvent, data)
	event, eventOK := c.requireString("event", 0)
	if eventOK && !sessionEvents[SessionEventName(event)] {
		c.fail("event", fmt.Sprintf("unrecognized event %q", event))
	}
	metadata, _ := c.optionalObject("metadata")
	if err := c.err(); err != nil {
		return nil, err
	}
	return SessionEvent{Event: SessionEventName(event), Metadata: metadata}, nil
}

func validateMathRender(data map[string]interface{}) (Message, error) {
	c := newChecker(TypeMathRender, data)
	latex, _ := c.requireString("latex", MaxLatexBytes)
	mode, modeOK := c.requireString("renderMode", 0)
	if modeOK && !renderModes[RenderMode(mode)] {
		c.fail("renderMode", fmt.Sprintf("unrecognized render mode %q", mode))
	}
	if err := c.err(); err != nil {
		return nil, err
	}
	return MathRender{Latex: latex, RenderMode: RenderMode(mode)}, nil
}
