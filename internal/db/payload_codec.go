package db

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the frame header of every zstd stream.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// PayloadCodec compresses webhook payloads before they are written to the
// billing_events ledger. Rows written before compression was enabled hold
// raw JSON and are returned unchanged by Decode.
type PayloadCodec struct {
	encoder     *zstd.Encoder
	decoderPool sync.Pool
}

// NewPayloadCodec creates a codec with a shared encoder and pooled decoders.
func NewPayloadCodec() *PayloadCodec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		// Never fails with nil output and static options.
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}
	return &PayloadCodec{
		encoder: enc,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// Encode returns the zstd-compressed form of payload. Empty input stays empty.
func (c *PayloadCodec) Encode(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	return c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
}

// Decode reverses Encode. Input without a zstd frame header is returned as is.
func (c *PayloadCodec) Decode(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, zstdMagic) {
		return stored, nil
	}
	d := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(d)

	out, err := d.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
