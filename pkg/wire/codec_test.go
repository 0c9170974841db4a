package wire

import (
	"bytes"
	"testing"
)

func TestCodec_SmallPayloadStaysText(t *testing.T) {
	// Given: A codec with compression enabled
	c, err := NewCodec(true, 512)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	// When: Encoding a payload below the threshold
	payload := []byte(`{"type":"ping"}`)
	frame := c.Encode(payload)

	// Then: The frame is plain text, bytes untouched
	if frame.Kind != FrameText {
		t.Errorf("expected text frame, got %v", frame.Kind)
	}
	if !bytes.Equal(frame.Data, payload) {
		t.Error("text frame should carry the payload unchanged")
	}
}

func TestCodec_LargePayloadCompressedAndRoundTrips(t *testing.T) {
	// Given: A codec and a large compressible payload
	c, err := NewCodec(true, 512)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	payload := bytes.Repeat([]byte(`{"entity":"todos","action":"update"}`), 100)

	// When: Encoding
	frame := c.Encode(payload)

	// Then: The frame is binary and smaller than the original
	if frame.Kind != FrameBinary {
		t.Fatalf("expected binary frame, got %v", frame.Kind)
	}
	if len(frame.Data) >= len(payload) {
		t.Errorf("compressed frame not smaller: %d >= %d", len(frame.Data), len(payload))
	}

	// And: Decoding restores the exact payload
	decoded, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Error("round trip did not restore the payload")
	}
}

func TestCodec_DisabledNeverCompresses(t *testing.T) {
	// Given: A codec with compression disabled
	c, err := NewCodec(false, 512)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	// When: Encoding a payload far above the threshold
	payload := bytes.Repeat([]byte("abcdefgh"), 1000)
	frame := c.Encode(payload)

	// Then: The frame stays text
	if frame.Kind != FrameText {
		t.Errorf("expected text frame with compression disabled, got %v", frame.Kind)
	}
}

func TestCodec_IncompressiblePayloadFallsBackToText(t *testing.T) {
	// Given: A payload above the threshold that compression cannot shrink
	c, err := NewCodec(true, 16)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	payload := make([]byte, 64)
	state := uint32(0x9e3779b9)
	for i := range payload {
		state = state*1664525 + 1013904223
		payload[i] = byte(state >> 24)
	}

	// When: Encoding
	frame := c.Encode(payload)

	// Then: The compressed form was not strictly smaller, so text is used
	if frame.Kind != FrameText {
		t.Errorf("expected fallback to text for incompressible payload, got %v", frame.Kind)
	}
	if !bytes.Equal(frame.Data, payload) {
		t.Error("fallback frame should carry the payload unchanged")
	}
}

func TestCodec_TextFrameDecodePassesThrough(t *testing.T) {
	// Given: A codec and a text frame
	c, err := NewCodec(true, 512)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	payload := []byte(`{"type":"pong"}`)

	// When: Decoding
	decoded, err := c.Decode(Frame{Kind: FrameText, Data: payload})

	// Then: Bytes pass through unchanged
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Error("text decode should pass bytes through")
	}
}

func TestCodec_CorruptBinaryFrameIsError(t *testing.T) {
	// Given: A binary frame that is not zstd data
	c, err := NewCodec(true, 512)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	// When: Decoding it
	_, err = c.Decode(Frame{Kind: FrameBinary, Data: []byte("not zstd")})

	// Then: A decode error surfaces; the session treats it as protocol error
	if err == nil {
		t.Fatal("expected error for corrupt binary frame, got nil")
	}
}

func TestCodec_ZeroThresholdUsesDefault(t *testing.T) {
	// Given: A codec constructed with threshold 0
	c, err := NewCodec(true, 0)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	// When: Encoding a payload just below the default threshold
	payload := bytes.Repeat([]byte("a"), DefaultThreshold-1)
	frame := c.Encode(payload)

	// Then: It stays text
	if frame.Kind != FrameText {
		t.Errorf("expected text below default threshold, got %v", frame.Kind)
	}
}
