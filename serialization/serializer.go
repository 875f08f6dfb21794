package serialization

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	ErrEncode = errors.New("serialization: encode failed")
	ErrDecode = errors.New("serialization: decode failed")
)

// Serializer turns typed messages into wire text and back
type Serializer interface {
	// Encode serializes a message value to text
	Encode(msg interface{}) (string, error)

	// Decode parses text into a new value of type t and returns a pointer to it
	Decode(text string, t reflect.Type) (interface{}, error)
}

// XMLSerializer implements Serializer using encoding/xml. The root element is
// the Go type's simple name unless the type declares an XMLName field.
type XMLSerializer struct {
	declaration bool
	prefix      string
	indent      string
}

// XMLSerializerOption configures the XML serializer
type XMLSerializerOption func(*XMLSerializer)

// WithDeclaration toggles the leading <?xml ...?> declaration
func WithDeclaration(enabled bool) XMLSerializerOption {
	return func(s *XMLSerializer) {
		s.declaration = enabled
	}
}

// WithIndent enables pretty printing
func WithIndent(prefix, indent string) XMLSerializerOption {
	return func(s *XMLSerializer) {
		s.prefix = prefix
		s.indent = indent
	}
}

// NewXMLSerializer creates a new XML serializer
func NewXMLSerializer(opts ...XMLSerializerOption) *XMLSerializer {
	s := &XMLSerializer{
		declaration: true,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Encode implements Serializer
func (s *XMLSerializer) Encode(msg interface{}) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("%w: message cannot be nil", ErrEncode)
	}

	var buf bytes.Buffer
	if s.declaration {
		buf.WriteString(strings.Replace(xml.Header, "UTF-8", "utf-8", 1))
	}

	enc := xml.NewEncoder(&buf)
	if s.prefix != "" || s.indent != "" {
		enc.Indent(s.prefix, s.indent)
	}
	if err := enc.Encode(msg); err != nil {
		return "", fmt.Errorf("%w: %T: %v", ErrEncode, msg, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("%w: %T: %v", ErrEncode, msg, err)
	}

	return buf.String(), nil
}

// Decode implements Serializer
func (s *XMLSerializer) Decode(text string, t reflect.Type) (interface{}, error) {
	t = Normalize(t)
	if t == nil {
		return nil, fmt.Errorf("%w: type descriptor cannot be nil", ErrDecode)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty payload for %s", ErrDecode, t.Name())
	}

	ptr := reflect.New(t)
	if err := xml.Unmarshal([]byte(text), ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, t.Name(), err)
	}

	return ptr.Interface(), nil
}
