package codec

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
)

// Format names a serialization format.
type Format string

const (
	FormatJSON          Format = "json"
	FormatBinaryCompact Format = "binary-compact"
	FormatNative        Format = "native"
)

// ErrUnknownFormat is returned when a serialization format is not supported.
var ErrUnknownFormat = errors.New("conduit: unknown serialization format")

// Serializer converts values to and from bytes.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Format() Format
	ContentType() string
}

// NewSerializer resolves a serializer by format name. An empty name selects JSON.
func NewSerializer(format Format) (Serializer, error) {
	switch format {
	case "", FormatJSON:
		return jsonSerializer{}, nil
	case FormatBinaryCompact:
		return protoSerializer{}, nil
	case FormatNative:
		return gobSerializer{}, nil
	default:
		return nil, errspkg.New(errspkg.KindConfig, "codec", fmt.Errorf("%w: %q", ErrUnknownFormat, format))
	}
}

// SerializerForContentType picks the serializer matching an HTTP Content-Type.
// Unknown types fall back to JSON.
func SerializerForContentType(contentType string) Serializer {
	switch {
	case hasMediaType(contentType, "application/x-protobuf"):
		return protoSerializer{}
	case hasMediaType(contentType, "application/x-gob"):
		return gobSerializer{}
	default:
		return jsonSerializer{}
	}
}

func hasMediaType(header, media string) bool {
	return len(header) >= len(media) && header[:len(media)] == media
}

// protoSerializer encodes values as a google.protobuf.Value. Values are first
// normalised through JSON so structs, maps, and slices share one wire shape.
type protoSerializer struct{}

func (protoSerializer) Marshal(v any) ([]byte, error) {
	raw, err := MarshalJSON(v)
	if err != nil {
		return nil, err
	}
	var normalised any
	if err := UnmarshalJSON(raw, &normalised); err != nil {
		return nil, err
	}
	value, err := structpb.NewValue(normalised)
	if err != nil {
		return nil, fmt.Errorf("binary-compact: %w", err)
	}
	return proto.Marshal(value)
}

func (protoSerializer) Unmarshal(data []byte, v any) error {
	var value structpb.Value
	if err := proto.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("binary-compact: %w", err)
	}
	raw, err := MarshalJSON(value.AsInterface())
	if err != nil {
		return err
	}
	return UnmarshalJSON(raw, v)
}

func (protoSerializer) Format() Format      { return FormatBinaryCompact }
func (protoSerializer) ContentType() string { return "application/x-protobuf" }

// gobSerializer uses encoding/gob. Decoding requires a concrete target type;
// concrete types carried inside interface fields must be registered with
// RegisterNative.
type gobSerializer struct{}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// RegisterNative registers a concrete type for the native format.
func RegisterNative(value any) {
	gob.Register(value)
}

func (gobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("native: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("native: %w", err)
	}
	return nil
}

func (gobSerializer) Format() Format      { return FormatNative }
func (gobSerializer) ContentType() string { return "application/x-gob" }
