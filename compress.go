package snapllm

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects the codec of a KV payload.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionLZ4
	CompressionLZ4HC
	CompressionZSTD
	CompressionZSTDFast
)

func (t CompressionType) String() string {
	switch t {
	case CompressionNone:
		return "None"
	case CompressionLZ4:
		return "LZ4"
	case CompressionLZ4HC:
		return "LZ4_HC"
	case CompressionZSTD:
		return "ZSTD"
	case CompressionZSTDFast:
		return "ZSTD_FAST"
	default:
		return fmt.Sprintf("CompressionType(%d)", uint8(t))
	}
}

// IsAvailable reports whether the codec is linked into this build.
func (t CompressionType) IsAvailable() bool {
	switch t {
	case CompressionNone, CompressionLZ4, CompressionLZ4HC, CompressionZSTD, CompressionZSTDFast:
		return true
	}
	return false
}

// CompressedHeader is the 16-byte SCMP envelope prepended to every
// compressed payload:
//
//	bytes 0..3   magic "SCMP"
//	byte  4      version
//	byte  5      compression type
//	bytes 6..7   flags
//	bytes 8..15  original size, u64 little-endian
type CompressedHeader struct {
	Version      uint8
	Type         CompressionType
	Flags        uint16
	OriginalSize uint64
}

// CompressedHeaderSize is the envelope length in bytes.
const CompressedHeaderSize = 16

const compressedHeaderVersion = 1

var scmpMagic = [4]byte{'S', 'C', 'M', 'P'}

func (h CompressedHeader) encode() []byte {
	out := make([]byte, CompressedHeaderSize)
	copy(out, scmpMagic[:])
	out[4] = h.Version
	out[5] = uint8(h.Type)
	binary.LittleEndian.PutUint16(out[6:], h.Flags)
	binary.LittleEndian.PutUint64(out[8:], h.OriginalSize)
	return out
}

// HasCompressedHeader reports whether data starts with a SCMP envelope.
func HasCompressedHeader(data []byte) bool {
	return len(data) >= CompressedHeaderSize && [4]byte(data[:4]) == scmpMagic
}

// ReadCompressedHeader decodes the envelope of data.
func ReadCompressedHeader(data []byte) (CompressedHeader, bool) {
	if !HasCompressedHeader(data) {
		return CompressedHeader{}, false
	}
	return CompressedHeader{
		Version:      data[4],
		Type:         CompressionType(data[5]),
		Flags:        binary.LittleEndian.Uint16(data[6:]),
		OriginalSize: binary.LittleEndian.Uint64(data[8:]),
	}, true
}

// Shared zstd coders; EncodeAll/DecodeAll on them are concurrency-safe.
var (
	zstdEncoder, _     = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdFastEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _     = zstd.NewReader(nil)
)

// Compress wraps data in a SCMP envelope with the given codec.
// CompressionNone still produces an envelope, so readers always
// auto-detect from the header.
func Compress(data []byte, t CompressionType) ([]byte, error) {
	hdr := CompressedHeader{
		Version:      compressedHeaderVersion,
		Type:         t,
		OriginalSize: uint64(len(data)),
	}

	var payload []byte
	switch t {
	case CompressionNone:
		payload = data
	case CompressionLZ4, CompressionLZ4HC:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var (
			n   int
			err error
		)
		if t == CompressionLZ4HC {
			var c lz4.CompressorHC
			n, err = c.CompressBlock(data, buf)
		} else {
			var c lz4.Compressor
			n, err = c.CompressBlock(data, buf)
		}
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible; store raw.
			hdr.Type = CompressionNone
			payload = data
		} else {
			payload = buf[:n]
		}
	case CompressionZSTD:
		payload = zstdEncoder.EncodeAll(data, nil)
	case CompressionZSTDFast:
		payload = zstdFastEncoder.EncodeAll(data, nil)
	default:
		return nil, fmt.Errorf("%w: compression %v", ErrUnsupported, t)
	}

	out := make([]byte, 0, CompressedHeaderSize+len(payload))
	out = append(out, hdr.encode()...)
	out = append(out, payload...)
	return out, nil
}

// Decompress unwraps a SCMP envelope, auto-detecting the codec. Data
// without an envelope is returned unchanged.
func Decompress(data []byte) ([]byte, error) {
	hdr, ok := ReadCompressedHeader(data)
	if !ok {
		return data, nil
	}

	payload := data[CompressedHeaderSize:]
	switch hdr.Type {
	case CompressionNone:
		return payload, nil
	case CompressionLZ4, CompressionLZ4HC:
		out := make([]byte, hdr.OriginalSize)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(n) != hdr.OriginalSize {
			return nil, fmt.Errorf("%w: lz4 expanded to %d bytes, header says %d",
				ErrIntegrity, n, hdr.OriginalSize)
		}
		return out, nil
	case CompressionZSTD, CompressionZSTDFast:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, hdr.OriginalSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(out)) != hdr.OriginalSize {
			return nil, fmt.Errorf("%w: zstd expanded to %d bytes, header says %d",
				ErrIntegrity, len(out), hdr.OriginalSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: compression %v", ErrUnsupported, hdr.Type)
	}
}
