package b2

import "github.com/klauspost/compress/zstd"

// zstdDec is a package-level decoder, concurrent-safe, always available for
// reads. Mirrors the teacher's chunk/file package: one shared decoder rather
// than one per container, since decoders hold no per-stream state between
// DecodeAll calls.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("b2: init zstd decoder: " + err.Error())
	}
}

// newEncoder returns a fresh zstd encoder. Unlike the decoder, encoders are
// not safe for concurrent use, so each writer gets its own.
func newEncoder() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func compressChunk(raw []byte) ([]byte, error) {
	enc, err := newEncoder()
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func decompressChunk(compressed []byte, rawSize int) ([]byte, error) {
	return zstdDec.DecodeAll(compressed, make([]byte, 0, rawSize))
}
