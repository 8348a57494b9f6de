package dfjournal

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// compress applies algo to payload, returning the compressed bytes.
// CompressionLZ4 is served by golang/snappy (see DESIGN.md: the pack
// carries no LZ4 binding, snappy fills the "fast, low-ratio" codec
// slot named by spec §6).
func compress(algo core.CompressionAlgo, payload []byte) ([]byte, error) {
	switch algo {
	case core.CompressionNone:
		return payload, nil
	case core.CompressionLZ4:
		return snappy.Encode(nil, payload), nil
	case core.CompressionZSTD:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(payload, nil), nil
	default:
		return nil, fmt.Errorf("dfjournal: unknown compression algo %d", algo)
	}
}

func decompress(algo core.CompressionAlgo, payload []byte, uncompressedSize int) ([]byte, error) {
	switch algo {
	case core.CompressionNone:
		return payload, nil
	case core.CompressionLZ4:
		return snappy.Decode(nil, payload)
	case core.CompressionZSTD:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(payload, make([]byte, 0, uncompressedSize))
	default:
		return nil, fmt.Errorf("dfjournal: unknown compression algo %d", algo)
	}
}

var (
	sharedEncoder *zstd.Encoder
	sharedDecoder *zstd.Decoder
)

func zstdEncoder() (*zstd.Encoder, error) {
	if sharedEncoder != nil {
		return sharedEncoder, nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	sharedEncoder = enc
	return enc, nil
}

func zstdDecoder() (*zstd.Decoder, error) {
	if sharedDecoder != nil {
		return sharedDecoder, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	sharedDecoder = dec
	return dec, nil
}
