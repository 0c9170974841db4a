// Package wire implements the frame codec shared by the server sessions
// and the client SDK: one JSON object per frame, optionally compressed.
// Text frames carry plain JSON; binary frames carry zstd-compressed bytes
// of the same JSON.
package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// DefaultThreshold is the minimum payload size considered for compression.
const DefaultThreshold = 512

// FrameKind mirrors the websocket frame type: text for plain JSON, binary
// for compressed payloads.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

// Frame is an encoded outbound frame.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Codec compresses and decompresses frames. The zero value is unusable;
// construct with NewCodec. Safe for concurrent use.
type Codec struct {
	enabled   bool
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec creates a codec. threshold <= 0 selects DefaultThreshold.
// When enabled is false every frame is sent as plain text.
func NewCodec(enabled bool, threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{
		enabled:   enabled,
		threshold: threshold,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Encode wraps a JSON payload into a frame. Payloads at or above the
// threshold are compressed; the compressed form is used only when it is
// strictly smaller than the original. Compression trouble falls back
// silently to the uncompressed form.
func (c *Codec) Encode(payload []byte) Frame {
	if !c.enabled || len(payload) < c.threshold {
		return Frame{Kind: FrameText, Data: payload}
	}

	compressed := c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(compressed) >= len(payload) {
		return Frame{Kind: FrameText, Data: payload}
	}
	return Frame{Kind: FrameBinary, Data: compressed}
}

// Decode unwraps a frame back into its JSON payload. A binary frame that
// fails to decompress is a protocol error; text frames pass through.
func (c *Codec) Decode(f Frame) ([]byte, error) {
	switch f.Kind {
	case FrameText:
		return f.Data, nil
	case FrameBinary:
		payload, err := c.decoder.DecodeAll(f.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
}
