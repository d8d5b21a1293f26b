// Package testutil contains helper doubles used across tests to reduce
// boilerplate when exercising the turn engine: a scripted backend provider
// that replays predefined completion rounds (with optional mid-stream pauses
// for barge-in timing) and an event recorder draining a session's event sink.
// These helpers are intentionally minimal and not intended for production
// usage.
package testutil
