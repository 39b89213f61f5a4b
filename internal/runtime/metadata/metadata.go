// Package metadata maps conduit messages onto the string metadata carried by
// bus transports.
package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/conduit/internal/runtime/codec"
	"github.com/drblury/conduit/internal/runtime/model"
)

// Keys written on every bus message.
const (
	KeyCorrelationID   = "correlation_id"
	KeyReplyTo         = "reply_to"
	KeyTopic           = "topic"
	KeyPriority        = "priority"
	KeyContentType     = "content_type"
	KeyContentEncoding = "content_encoding"
)

// Metadata represents the headers carried alongside a bus message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// FromWatermill copies the metadata of a received bus message.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// Watermill returns a copy of m for an outgoing bus message.
func (m Metadata) Watermill() message.Metadata {
	return message.Metadata(m.Clone())
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// ForMessage flattens the routing fields and headers of msg, plus the framing
// of c so receivers can decode without sharing configuration.
func ForMessage(msg *model.Message, c codec.Codec) Metadata {
	if c.Serializer == nil {
		c.Serializer = codec.Default().Serializer
	}
	md := Metadata(msg.Headers.Strings())
	md[KeyTopic] = msg.Topic
	md[KeyPriority] = msg.Priority.String()
	md[KeyContentType] = c.Serializer.ContentType()
	if msg.CorrelationID != "" {
		md[KeyCorrelationID] = msg.CorrelationID
	}
	if msg.ReplyTo != "" {
		md[KeyReplyTo] = msg.ReplyTo
	}
	if enc := c.ContentEncoding(); enc != "" {
		md[KeyContentEncoding] = enc
	}
	return md
}

// Codec resolves the framing announced by md. Missing keys select
// uncompressed JSON.
func (m Metadata) Codec() (codec.Codec, error) {
	compressor, err := codec.ForContentEncoding(m[KeyContentEncoding])
	if err != nil {
		return codec.Codec{}, err
	}
	return codec.Codec{
		Serializer: codec.SerializerForContentType(m[KeyContentType]),
		Compressor: compressor,
	}, nil
}
