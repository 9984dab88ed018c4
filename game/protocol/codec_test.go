package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"", "json"},
		{"json", "json"},
		{"JSON", "json"},
		{"msgpack", "msgpack"},
		{" MessagePack ", "msgpack"},
	}

	for _, test := range tests {
		codec, err := CodecByName(test.name)
		if err != nil {
			t.Fatalf("CodecByName(%q) failed: %v", test.name, err)
		}
		if codec.Name() != test.expected {
			t.Errorf("CodecByName(%q): expected %s, got %s", test.name, test.expected, codec.Name())
		}
	}

	if _, err := CodecByName("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("Expected ErrUnknownCodec, got %v", err)
	}
}

// A stream of several messages must come back in order and intact.
func TestCodecStream(t *testing.T) {
	update := CarStatusUpdate{
		AngleDegrees:   92.5,
		X:              310,
		Y:              -4,
		VirtualSpeed:   7,
		IsAccelerating: true,
		ImpactSound:    true,
	}
	sent := []Message{
		NewHello(),
		NewMapRequest("Easy", 2),
		NewMapResponse("Easy", 0, Slot1),
		NewStatusUpdate(update),
		NewInGameCrash(),
		{Kind: 42},
		NewGoodbye(),
	}

	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			enc := codec.NewEncoder(&buf)
			for _, m := range sent {
				if err := enc.Encode(m); err != nil {
					t.Fatalf("Encode(%s) failed: %v", m.Kind, err)
				}
			}

			dec := codec.NewDecoder(&buf)
			for i, want := range sent {
				var got Message
				if err := dec.Decode(&got); err != nil {
					t.Fatalf("Decode #%d failed: %v", i, err)
				}
				if got.Kind != want.Kind {
					t.Fatalf("Message #%d: expected kind %s, got %s", i, want.Kind, got.Kind)
				}
			}

			var extra Message
			if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
				t.Errorf("Expected io.EOF after last message, got %v", err)
			}
		})
	}
}

func TestCodecPayloadFields(t *testing.T) {
	update := CarStatusUpdate{AngleDegrees: 45.25, X: 1, Y: 2, VirtualSpeed: 3, IsAccelerating: true}

	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			codec.NewEncoder(&buf).Encode(NewStatusUpdate(update))
			codec.NewEncoder(&buf).Encode(NewMapRequest("Medium", 3))

			dec := codec.NewDecoder(&buf)

			var got Message
			if err := dec.Decode(&got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.CarStatus == nil || *got.CarStatus != update {
				t.Errorf("Expected %+v, got %+v", update, got.CarStatus)
			}
			if got.MapRequest != nil || got.MapResponse != nil {
				t.Error("Unexpected payloads on status update")
			}

			if err := dec.Decode(&got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.CarStatus != nil {
				t.Error("Decode should reset previous payloads")
			}
			if got.MapRequest == nil || got.MapRequest.MapName != "Medium" || got.MapRequest.CarDesignIndex != 3 {
				t.Errorf("Unexpected map request: %+v", got.MapRequest)
			}
		})
	}
}

// Messages written on one end of a live connection arrive without waiting
// for more data.
func TestCodecOverConnection(t *testing.T) {
	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			a, b := net.Pipe()
			defer a.Close()
			defer b.Close()

			go codec.NewEncoder(a).Encode(NewMapRequest("Easy", 1))

			b.SetReadDeadline(time.Now().Add(2 * time.Second))
			var got Message
			if err := codec.NewDecoder(b).Decode(&got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.Kind != LookingForOpponent {
				t.Errorf("Expected LookingForOpponent, got %s", got.Kind)
			}
		})
	}
}

func TestJSONDecodeGarbage(t *testing.T) {
	dec := JSON.NewDecoder(bytes.NewBufferString("not json at all"))
	var msg Message
	if err := dec.Decode(&msg); err == nil {
		t.Error("Expected error decoding garbage")
	}
}

// flakyWriter fails its first write and accepts everything after
type flakyWriter struct {
	bytes.Buffer
	failed bool
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if !w.failed {
		w.failed = true
		return 0, errors.New("write timeout")
	}
	return w.Buffer.Write(p)
}

// One failed write must not poison every later message on the stream.
func TestEncoderRecoversAfterWriteError(t *testing.T) {
	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			w := &flakyWriter{}
			enc := codec.NewEncoder(w)

			if err := enc.Encode(NewHello()); err == nil {
				t.Fatal("Expected the first encode to fail")
			}
			if err := enc.Encode(NewGoodbye()); err != nil {
				t.Fatalf("Encode after a failed write should succeed, got %v", err)
			}

			var got Message
			if err := codec.NewDecoder(&w.Buffer).Decode(&got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.Kind != Goodbye {
				t.Errorf("Expected Goodbye, got %s", got.Kind)
			}
		})
	}
}
