// Package codec implements the wire payload framing shared by the durable
// stream backend, the service bus, and outbound service calls:
//
//	wire = compress(serialize(value))
//
// Receivers select the decompressor from the algorithm name (the HTTP
// Content-Encoding header for outbound calls, the entry "encoding" field for
// streams) before deserializing.
package codec

// Codec pairs a serializer with a compressor.
type Codec struct {
	Serializer Serializer
	Compressor Compressor
}

// New resolves a codec from format and algorithm names.
func New(format Format, algorithm Algorithm) (Codec, error) {
	serializer, err := NewSerializer(format)
	if err != nil {
		return Codec{}, err
	}
	compressor, err := NewCompressor(algorithm)
	if err != nil {
		return Codec{}, err
	}
	return Codec{Serializer: serializer, Compressor: compressor}, nil
}

// Default returns uncompressed JSON.
func Default() Codec {
	return Codec{Serializer: jsonSerializer{}, Compressor: noneCompressor{}}
}

// Encode serializes then compresses v.
func (c Codec) Encode(v any) ([]byte, error) {
	c = c.orDefault()
	raw, err := c.Serializer.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.Compressor.Compress(raw)
}

// Decode decompresses then deserializes data into v.
func (c Codec) Decode(data []byte, v any) error {
	c = c.orDefault()
	raw, err := c.Compressor.Decompress(data)
	if err != nil {
		return err
	}
	return c.Serializer.Unmarshal(raw, v)
}

// Format reports the serializer's format name.
func (c Codec) Format() Format {
	return c.orDefault().Serializer.Format()
}

// Algorithm reports the compressor's algorithm name.
func (c Codec) Algorithm() Algorithm {
	return c.orDefault().Compressor.Algorithm()
}

// ContentEncoding returns the HTTP Content-Encoding value, empty when
// uncompressed.
func (c Codec) ContentEncoding() string {
	algo := c.Algorithm()
	if algo == CompressionNone {
		return ""
	}
	return string(algo)
}

func (c Codec) orDefault() Codec {
	if c.Serializer == nil {
		c.Serializer = jsonSerializer{}
	}
	if c.Compressor == nil {
		c.Compressor = noneCompressor{}
	}
	return c
}
