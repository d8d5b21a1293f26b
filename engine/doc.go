// Package engine implements the per-session orchestration loop: it owns the
// conversation transcript, drives provider round trips until a final answer,
// executes requested tools, and runs the interruption state machine that
// lets a caller cut a streamed response short at any chunk boundary.
package engine
