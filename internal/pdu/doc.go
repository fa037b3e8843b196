// Package pdu provides the event (PDU) model shared by every other package.
//
// This package contains value types and pure functions only. Every other
// internal package imports pdu; pdu imports nothing internal.
//
// Key design constraints:
//   - Event IDs are content-addressed: "$" + unpadded URL-safe base64 of the
//     SHA-256 reference hash over the redacted canonical form
//   - Canonical JSON has no floats, sorted keys and no insignificant whitespace
//   - Events are immutable once parsed; accessors return copies
//   - Room versions form a closed set, each with a fixed rule table
package pdu
