package frame

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecJSON    = "json"
	CodecCBOR    = "cbor"
	CodecMsgpack = "msgpack"
)

// Codec converts frames to and from one wire record.
type Codec interface {
	Name() string
	// Binary reports whether records travel as binary websocket messages.
	Binary() bool
	Encode(f Frame) ([]byte, error)
	Decode(raw []byte) (Frame, error)
}

// Lookup resolves a codec by name. An empty name selects JSON.
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSON, nil
	case CodecCBOR:
		return CBOR, nil
	case CodecMsgpack, "messagepack":
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Decode checks limits, decodes and validates one record.
func Decode(c Codec, raw []byte, limits Limits) (Frame, error) {
	if limits.MaxFrameBytes > 0 && len(raw) > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw))
	}
	f, err := c.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, c.Name(), err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

var (
	JSON    Codec = jsonCodec{}
	CBOR    Codec = newCBORCodec()
	Msgpack Codec = msgpackCodec{}
)

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(f Frame) ([]byte, error) {
	return json.Marshal(map[string]any(f))
}

func (jsonCodec) Decode(raw []byte) (Frame, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return Frame(m), nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("frame: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("frame: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return CodecCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Encode(f Frame) ([]byte, error) {
	return c.enc.Marshal(map[string]any(f))
}

func (c cborCodec) Decode(raw []byte) (Frame, error) {
	var m map[string]any
	if err := c.dec.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return Frame(m), nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgpack }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Encode(f Frame) ([]byte, error) {
	return msgpack.Marshal(map[string]any(f))
}

func (msgpackCodec) Decode(raw []byte) (Frame, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return Frame(m), nil
}
