// Package wire encodes invocation arguments and return values for the trip
// across the process boundary: MessagePack, then standard base64 so the
// payload fits in one command-line argument or one output line.
package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ugorji/go/codec"
)

// ErrDecode is returned for payloads that are not valid base64 MessagePack.
var ErrDecode = errors.New("wire: decode failed")

var handle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.MapType = reflect.TypeOf(map[string]any(nil))
	h.SignedInteger = true
	h.RawToString = true
	h.WriteExt = true
	return h
}

// EncodeValue serializes any value.
func EncodeValue(v any) (string, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, handle).Encode(v); err != nil {
		return "", fmt.Errorf("wire: encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecodeValue reverses EncodeValue. Surrounding whitespace is ignored.
func DecodeValue(s string) (any, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var v any
	if err := codec.NewDecoderBytes(raw, handle).Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}

// EncodeArgs serializes a positional argument list. A nil list encodes as
// an empty list.
func EncodeArgs(args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	return EncodeValue(args)
}

// DecodeArgs reverses EncodeArgs.
func DecodeArgs(s string) ([]any, error) {
	v, err := DecodeValue(s)
	if err != nil {
		return nil, err
	}
	switch args := v.(type) {
	case []any:
		return args, nil
	case nil:
		return []any{}, nil
	default:
		return nil, fmt.Errorf("%w: argument payload is %T, not a list", ErrDecode, v)
	}
}
