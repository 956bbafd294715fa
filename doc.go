// Package wsguard is the security hardening layer for the PingLearn
// realtime WebSocket channel. It wraps an external transport with
// authentication, message-schema validation, per-user rate limiting, origin
// validation, payload sanitization, connection fingerprinting, and an
// append-only security event log.
//
// The transport itself (connect, send, receive) is an external
// collaborator. It consumes two entry points: Guard.AuthorizeUpgrade before
// accepting a connection, and Guard.AuthorizeMessage for every inbound
// message. All state lives inside a Guard instance; constructing one per
// test gives full isolation.
package wsguard
