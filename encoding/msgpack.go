// Package encoding provides serialization for pipe events, transfer requests and
// pipe metas. All msgpack operations go through this package.
//
// Thread Safety: Marshal, Unmarshal and Codec are safe for concurrent use.
//
// When decoding into interface{}, msgpack strings and binaries decode as Go
// strings, so tablet cell values keep a single textual representation.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
