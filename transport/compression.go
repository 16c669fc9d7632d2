package transport

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Bodies smaller than this are sent uncompressed
const compressThreshold = 256

var (
	encoderPool sync.Pool
	decoderPool sync.Pool
)

func getEncoder() (*zstd.Encoder, error) {
	if enc, ok := encoderPool.Get().(*zstd.Encoder); ok {
		return enc, nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
}

func getDecoder() (*zstd.Decoder, error) {
	if dec, ok := decoderPool.Get().(*zstd.Decoder); ok {
		return dec, nil
	}
	return zstd.NewReader(nil)
}

// Compress returns body compressed with zstd
func Compress(body []byte) ([]byte, error) {
	enc, err := getEncoder()
	if err != nil {
		return nil, err
	}
	defer encoderPool.Put(enc)
	return enc.EncodeAll(body, make([]byte, 0, len(body)/2)), nil
}

// Decompress reverses Compress
func Decompress(body []byte) ([]byte, error) {
	dec, err := getDecoder()
	if err != nil {
		return nil, err
	}
	defer decoderPool.Put(dec)
	return dec.DecodeAll(body, nil)
}

// compressIfNeeded compresses the request body in place when enabled and worth it
func compressIfNeeded(req *Request, enabled bool) error {
	if !enabled || req.Compressed || len(req.Body) < compressThreshold {
		return nil
	}
	out, err := Compress(req.Body)
	if err != nil {
		return err
	}
	if len(out) >= len(req.Body) {
		return nil
	}
	req.Body = out
	req.Compressed = true
	return nil
}
