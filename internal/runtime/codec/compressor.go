package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
)

// Algorithm names a compression algorithm. The value doubles as the HTTP
// Content-Encoding token.
type Algorithm string

const (
	CompressionNone   Algorithm = "none"
	CompressionGzip   Algorithm = "gzip"
	CompressionSnappy Algorithm = "snappy"
	CompressionLZ4    Algorithm = "lz4"
)

// ErrUnknownCompression is returned when a compression algorithm is not supported.
var ErrUnknownCompression = errors.New("conduit: unknown compression algorithm")

// Compressor compresses and decompresses byte payloads.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// NewCompressor resolves a compressor by algorithm name. An empty name
// selects no compression.
func NewCompressor(algorithm Algorithm) (Compressor, error) {
	switch algorithm {
	case "", CompressionNone:
		return noneCompressor{}, nil
	case CompressionGzip:
		return gzipCompressor{}, nil
	case CompressionSnappy:
		return snappyCompressor{}, nil
	case CompressionLZ4:
		return lz4Compressor{}, nil
	default:
		return nil, errspkg.New(errspkg.KindConfig, "codec", fmt.Errorf("%w: %q", ErrUnknownCompression, algorithm))
	}
}

// ForContentEncoding selects the decompressor named by an HTTP
// Content-Encoding header. Empty and "identity" mean no compression.
func ForContentEncoding(header string) (Compressor, error) {
	token := strings.ToLower(strings.TrimSpace(header))
	if token == "" || token == "identity" {
		return noneCompressor{}, nil
	}
	return NewCompressor(Algorithm(token))
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return CompressionNone }

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}

func (gzipCompressor) Algorithm() Algorithm { return CompressionGzip }

type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy: %w", err)
	}
	return out, nil
}

func (snappyCompressor) Algorithm() Algorithm { return CompressionSnappy }

type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return out, nil
}

func (lz4Compressor) Algorithm() Algorithm { return CompressionLZ4 }
