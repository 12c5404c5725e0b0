// Package codec reads and writes the records kept in the repository.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Serializer defines how to read and write a specific file format.
type Serializer interface {
	// Decode reads one record from data into v.
	Decode(data []byte, v any) error
	// Encode converts v to bytes.
	Encode(v any) ([]byte, error)
}

// DefaultSerializers returns the standard set of serializers keyed by extension.
func DefaultSerializers(strict bool) map[string]Serializer {
	return map[string]Serializer{
		".yaml": NewYAMLSerializer(strict),
		".yml":  NewYAMLSerializer(strict),
		".json": NewJSONSerializer(strict),
	}
}

// ForPath picks the serializer matching the extension of path.
func ForPath(serializers map[string]Serializer, path string) (Serializer, error) {
	s, ok := serializers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("no serializer for %s", path)
	}
	return s, nil
}

// --- YAML Serializer ---

type YAMLSerializer struct {
	// Strict rejects keys that do not map to a field.
	Strict bool
}

// NewYAMLSerializer creates a new YAML serializer.
func NewYAMLSerializer(strict bool) *YAMLSerializer {
	return &YAMLSerializer{Strict: strict}
}

func (s *YAMLSerializer) Decode(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(s.Strict)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("invalid yaml: %w", err)
	}
	return nil
}

func (s *YAMLSerializer) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// --- JSON Serializer ---

// JSONSerializer handles reading and writing JSON files.
type JSONSerializer struct {
	// Strict rejects keys that do not map to a field.
	Strict bool
}

// NewJSONSerializer creates a new JSON serializer.
func NewJSONSerializer(strict bool) *JSONSerializer {
	return &JSONSerializer{Strict: strict}
}

func (s *JSONSerializer) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if s.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func (s *JSONSerializer) Encode(v any) ([]byte, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
