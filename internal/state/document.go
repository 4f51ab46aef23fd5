// Package state owns the canonical workflow-state document: a single JSON
// file mutated only through the store's locked write path and read through a
// lock-free, always-consistent snapshot.
package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flowstate-io/flowstate/internal/fault"
)

// CurrentSchemaVersion is the version written by this build. Older
// documents are upgraded through the migration chain on read.
const CurrentSchemaVersion = 3

// PhasePreInit is the phase assigned when the document is first created.
const PhasePreInit = "pre-init"

// Document is the canonical workflow state.
type Document struct {
	SchemaVersion  int                  `json:"schemaVersion"`
	Phase          string               `json:"phase"`
	CompletedTasks []string             `json:"completedTasks"`
	Signals        map[string]time.Time `json:"signals"`
	LastActivation string               `json:"lastActivation"`
	Degraded       map[string]bool      `json:"degraded,omitempty"`
	Metadata       Metadata             `json:"metadata"`
}

// Metadata carries install provenance and free-form versioned fields.
type Metadata struct {
	InstalledAt time.Time         `json:"installedAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// NewDocument returns a freshly initialized document.
func NewDocument(now time.Time) *Document {
	return &Document{
		SchemaVersion:  CurrentSchemaVersion,
		Phase:          PhasePreInit,
		CompletedTasks: []string{},
		Signals:        map[string]time.Time{},
		Metadata: Metadata{
			InstalledAt: now,
			UpdatedAt:   now,
		},
	}
}

// Clone returns a deep copy so mutators never alias the committed snapshot.
func (d *Document) Clone() *Document {
	out := *d
	out.CompletedTasks = make([]string, len(d.CompletedTasks))
	copy(out.CompletedTasks, d.CompletedTasks)
	out.Signals = make(map[string]time.Time, len(d.Signals))
	for k, v := range d.Signals {
		out.Signals[k] = v
	}
	if d.Degraded != nil {
		out.Degraded = make(map[string]bool, len(d.Degraded))
		for k, v := range d.Degraded {
			out.Degraded[k] = v
		}
	}
	if d.Metadata.Fields != nil {
		out.Metadata.Fields = make(map[string]string, len(d.Metadata.Fields))
		for k, v := range d.Metadata.Fields {
			out.Metadata.Fields[k] = v
		}
	}
	return &out
}

// CompleteTask records a task identifier, keeping set semantics.
func (d *Document) CompleteTask(id string) {
	for _, t := range d.CompletedTasks {
		if t == id {
			return
		}
	}
	d.CompletedTasks = append(d.CompletedTasks, id)
	sort.Strings(d.CompletedTasks)
}

// TaskCompleted reports whether a task identifier was recorded.
func (d *Document) TaskCompleted(id string) bool {
	for _, t := range d.CompletedTasks {
		if t == id {
			return true
		}
	}
	return false
}

// documentSchema is the JSON Schema the store validates every document
// against, on read and before commit on write.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schemaVersion", "phase", "completedTasks", "signals", "metadata"],
  "additionalProperties": true,
  "properties": {
    "schemaVersion": {"type": "integer", "minimum": 1},
    "phase": {"type": "string", "minLength": 1},
    "completedTasks": {
      "type": "array",
      "items": {"type": "string"}
    },
    "signals": {
      "type": "object",
      "additionalProperties": {"type": "string", "format": "date-time"}
    },
    "lastActivation": {"type": "string"},
    "degraded": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    },
    "metadata": {
      "type": "object",
      "required": ["installedAt", "updatedAt"],
      "properties": {
        "installedAt": {"type": "string", "format": "date-time"},
        "updatedAt": {"type": "string", "format": "date-time"},
        "fields": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = gojsonschema.NewStringLoader(documentSchema)

// validateBytes checks raw document JSON against the schema.
func validateBytes(op string, data []byte) error {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fault.New(op, fault.StateCorrupt, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fault.Newf(op, fault.StateSchemaInvalid, "schema violations: %v", msgs)
	}
	return nil
}

// Validate checks a document value against the schema.
func (d *Document) Validate() error {
	data, err := marshalDocument(d)
	if err != nil {
		return fmt.Errorf("marshal for validation: %w", err)
	}
	return validateBytes("state.validate", data)
}
