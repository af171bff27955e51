package utils

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpEncode flattens a wire struct for the boundary crossing. Encoding a
// host-constructed value can only fail on a programming error, so it panics
// rather than returning an error every call site would have to invent a
// status for.
func MsgpEncode(v interface{}) []byte {
	data, err := msgpack.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// MsgpDecode parses a payload received from the other side of the boundary.
// Unlike encoding, the input is untrusted; a decode failure is reported so
// the caller can answer with a protocol-violation status.
func MsgpDecode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
