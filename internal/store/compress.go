// internal/store/compress.go
package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored payloads carry a one-byte tag ahead of the data
const (
	tagNone byte = 0
	tagZstd byte = 1
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll and DecodeAll
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns nil for empty input. Payloads that do not shrink are
// stored as is behind tagNone.
func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out := zstdEncoder.EncodeAll(data, []byte{tagZstd})
	if len(out) >= len(data)+1 {
		return append([]byte{tagNone}, data...), nil
	}
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case tagNone:
		return data[1:], nil
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", data[0])
	}
}
