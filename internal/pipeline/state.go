package pipeline

import (
	"fmt"

	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/json"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

// StreamState is the reader-side state of one stream: where it lands, its
// current table schema, the structural changes not yet applied, and its
// buffer.
type StreamState struct {
	Stream         string
	Table          core.TableRef
	StagingDataset string

	// Keys are the logical key properties from the last SCHEMA message.
	Keys   []string
	Schema *schema.TableSchema
	// Pending changes are applied by the next job of the stream.
	Pending []schema.StructuralChange

	HardDelete bool
	Metadata   bool

	Buffer *Buffer
}

// KeyColumns returns the physical columns the stream merges on. A key field
// that changed type merges on its active version.
func (s *StreamState) KeyColumns() []string {
	out := make([]string, 0, len(s.Keys))
	for _, k := range s.Keys {
		if c, ok := s.Schema.Active(schema.SafeColumnName(k)); ok {
			out = append(out, c.Name)
		}
	}
	return out
}

// IsColumn reports whether a flattened name is a declared field, which stops
// record flattening at JSON and RECORD columns.
func (s *StreamState) IsColumn(name string) bool {
	_, ok := s.Schema.Active(name)
	return ok
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// keyString encodes the key values of a row as a JSON array, so separators
// inside values and NULL stay distinct. A row whose keys are all NULL gets an
// empty key and is never collapsed with another.
func keyString(values map[string]interface{}, keys []string) string {
	parts := make([]interface{}, len(keys))
	set := false
	for i, k := range keys {
		if v := values[k]; v != nil {
			parts[i] = v
			set = true
		}
	}
	if !set {
		return ""
	}
	out, err := json.Marshal(parts)
	if err != nil {
		return fmt.Sprintf("%#v", parts)
	}
	return string(out)
}
