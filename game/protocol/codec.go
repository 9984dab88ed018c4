package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrUnknownCodec = errors.New("unknown codec")

// Encoder writes messages to a stream
type Encoder interface {
	Encode(msg Message) error
}

// Decoder reads messages from a stream
type Decoder interface {
	Decode(msg *Message) error
}

// Codec creates encoders and decoders for one serialization format
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

// JSON frames each message as one JSON object followed by a newline
var JSON Codec = jsonCodec{}

// Msgpack frames each message as one msgpack map
var Msgpack Codec = msgpackCodec{}

// Default is the codec used when none is configured
var Default = JSON

// CodecByName returns the codec registered under name (case-insensitive)
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "msgpack", "messagepack":
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) NewEncoder(w io.Writer) Encoder {
	return &jsonEncoder{enc: json.NewEncoder(w)}
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	return &jsonDecoder{dec: json.NewDecoder(r)}
}

type jsonEncoder struct {
	enc *json.Encoder
}

func (e *jsonEncoder) Encode(msg Message) error {
	return e.enc.Encode(msg)
}

type jsonDecoder struct {
	dec *json.Decoder
}

func (d *jsonDecoder) Decode(msg *Message) error {
	*msg = Message{}
	return d.dec.Decode(msg)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

// Each Encode is flushed so a message never sits in a buffer waiting for
// the next one.
func (msgpackCodec) NewEncoder(w io.Writer) Encoder {
	bw := bufio.NewWriter(w)
	return &msgpackEncoder{dst: w, w: bw, enc: msgpack.NewEncoder(bw)}
}

func (msgpackCodec) NewDecoder(r io.Reader) Decoder {
	return &msgpackDecoder{dec: msgpack.NewDecoder(bufio.NewReader(r))}
}

type msgpackEncoder struct {
	dst io.Writer
	w   *bufio.Writer
	enc *msgpack.Encoder
}

func (e *msgpackEncoder) Encode(msg Message) error {
	if err := e.enc.Encode(&msg); err != nil {
		e.w.Reset(e.dst)
		return err
	}
	if err := e.w.Flush(); err != nil {
		// bufio keeps the first write error forever; start the next
		// message on a clean buffer.
		e.w.Reset(e.dst)
		return err
	}
	return nil
}

type msgpackDecoder struct {
	dec *msgpack.Decoder
}

func (d *msgpackDecoder) Decode(msg *Message) error {
	*msg = Message{}
	return d.dec.Decode(msg)
}
