// Package protocol defines the envelopes exchanged between a tessera host and
// its clients, the method names and parameter shapes of every call, and the
// CBOR codec both transports share.
package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RawMessage is an encoded value whose decoding is deferred to the handler.
type RawMessage = cbor.RawMessage

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:    cbor.SortCanonical,
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		TimeTagToAny: cbor.TimeTagToTime,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the wire encoding options.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode marshals v into a RawMessage. A nil v encodes as null.
func Encode(v any) (RawMessage, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return RawMessage(data), nil
}

// Decode unmarshals raw into a new T. An empty raw yields the zero value.
func Decode[T any](raw RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
