package wire

import (
	"fmt"
	"reflect"

	"github.com/ugorji/go/codec"
)

// handle is shared across all encode/decode calls. ugorji's msgpack codec
// is safe for concurrent use once configured, so one package-level handle
// avoids re-building it per call.
var handle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true // deterministic map key ordering on encode
	h.WriteExt = true
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

// Encode serializes a Frame to its wire bytes. Encoding is stable: the
// same logical frame always produces the same bytes, modulo the key
// ordering of a user-supplied Params/Result map, which is not part of the
// protocol's observable contract.
func Encode(f Frame) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, handle)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf, nil
}

// ParseError is returned by Decode when the inbound bytes cannot be
// interpreted as a Frame. Per spec, this must not tear down the
// connection; the caller replies with an ERROR frame carrying no
// correlation id.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string { return fmt.Sprintf("wire: parse error: %v", e.Cause) }
func (e *ParseError) Unwrap() error { return e.Cause }

// Decode parses wire bytes into a Frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	dec := codec.NewDecoderBytes(data, handle)
	if err := dec.Decode(&f); err != nil {
		return Frame{}, &ParseError{Cause: err}
	}
	if f.Type == "" {
		return Frame{}, &ParseError{Cause: fmt.Errorf("missing frame type")}
	}
	return f, nil
}
