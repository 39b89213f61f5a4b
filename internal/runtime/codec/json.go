package codec

import (
	"io"

	"github.com/bytedance/sonic"
)

var jsonConfig = sonic.ConfigStd

// MarshalJSON encodes v with the shared sonic configuration.
func MarshalJSON(v any) ([]byte, error) {
	return jsonConfig.Marshal(v)
}

// UnmarshalJSON decodes data into v with the shared sonic configuration.
func UnmarshalJSON(data []byte, v any) error {
	return jsonConfig.Unmarshal(data, v)
}

// EncodeJSON streams v to w.
func EncodeJSON(w io.Writer, v any) error {
	return jsonConfig.NewEncoder(w).Encode(v)
}

// DecodeJSON reads a single JSON value from r into v.
func DecodeJSON(r io.Reader, v any) error {
	return jsonConfig.NewDecoder(r).Decode(v)
}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(v any) ([]byte, error)      { return MarshalJSON(v) }
func (jsonSerializer) Unmarshal(data []byte, v any) error { return UnmarshalJSON(data, v) }
func (jsonSerializer) Format() Format                     { return FormatJSON }
func (jsonSerializer) ContentType() string                { return "application/json" }
