// Package link talks to the screening device over raw TCP.
//
// Endpoints exchange "frames":
//
//	offset 0..6  payload length, ASCII decimal, left justified, space padded
//	offset 7     type, single ASCII digit
//	offset 8..   payload, exactly length bytes
//
// Device sends telemetry (types 1, 2, 4) and polls (type 0).
// Server answers each poll with either keepalive (type 0, empty payload)
// or one queued user record (type 3).
//
// Server tracks exactly one device session. New connection replaces
// current session, superseded connection is closed.
// Decoder reassembles frames split across TCP segments and splits
// several frames delivered in one read.
package link
