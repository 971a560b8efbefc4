package tiered

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"OpportunitySwitch/internal/model"
)

const (
	keyPrefix     = "state:"
	metaSuffix    = ":meta"
	partialSuffix = ":partial"

	encodingString = "string"
	encodingJSON   = "json"
)

// Metadata is the sibling record written next to every value. A value is only
// readable together with it.
type Metadata struct {
	Compressed   bool      `json:"compressed"`
	Tier         string    `json:"tier"`
	CreatedAt    time.Time `json:"createdAt"`
	Size         int       `json:"size"`
	OriginalSize int       `json:"originalSize"`
	Encoding     string    `json:"encoding"`
	Partial      bool      `json:"partial,omitempty"`
}

func tierPrefix(tier model.Tier) string {
	return keyPrefix + tier.String() + ":"
}

func dataKey(tier model.Tier, key string) string { return tierPrefix(tier) + key }
func metaKey(tier model.Tier, key string) string { return dataKey(tier, key) + metaSuffix }
func partialKey(tier model.Tier, key string) string {
	return dataKey(tier, key) + partialSuffix
}

// isAuxKey reports whether a stored key is a metadata or partial sibling.
func isAuxKey(k string) bool {
	return strings.HasSuffix(k, metaSuffix) || strings.HasSuffix(k, partialSuffix)
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if isAuxKey(key) {
		return fmt.Errorf("%w: %q uses a reserved suffix", ErrInvalidKey, key)
	}
	return nil
}

// serialize turns a value into bytes. Strings are stored as-is; everything
// else is JSON.
func serialize(v any) ([]byte, string, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), encodingString, nil
	case []byte:
		return append([]byte(nil), x...), encodingString, nil
	}
	data, err := sonnet.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("marshal state: %w", err)
	}
	return data, encodingJSON, nil
}

// deserialize returns a string for string payloads and a best-effort JSON
// decode otherwise, falling back to the raw string.
func deserialize(data []byte, encoding string) any {
	if encoding == encodingString {
		return string(data)
	}
	var v any
	if err := sonnet.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

func encodeMeta(m Metadata) ([]byte, error) {
	return sonnet.Marshal(m)
}

func decodeMeta(data []byte) (*Metadata, error) {
	if data == nil {
		return nil, nil
	}
	var m Metadata
	if err := sonnet.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}
