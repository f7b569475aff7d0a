// Package protocol owns the link wire contract.
//
// Ownership boundary:
// - envelope constants (message types, flags, sub-commands)
// - msgpack envelope codec over COBS frames
// - chunk header and chunk ack wire structs
//
// Wire format:
//
//	COBS(msgpack([type, seq, sub_cmd, payload]) ++ crc32_le(msgpack)) ++ 0x00
package protocol
