// Package core defines the canonical conversation data model shared by every
// other package: transcript messages, tool calls and definitions, the outbound
// event union consumed by transport layers, and the relay error taxonomy.
package core
