package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record of something that happened to an aggregate.
// It is passed by value; nothing mutates an Event after New returns.
type Event struct {
	ID            string
	OccurredAt    time.Time
	AggregateID   string
	TenantID      string
	TypeName      string
	SchemaID      string
	SchemaVersion int
	ContentHash   string
	Payload       map[string]interface{}
}

// New builds an Event with a fresh id, UTC timestamp and content hash.
// SchemaID/SchemaVersion stay zero until the persistence step resolves them.
// The payload is deep-copied, so later mutations of the caller's map cannot
// drift the event away from its content hash.
func New(typeName, tenantID, aggregateID string, payload map[string]interface{}) Event {
	e := Event{
		ID:          uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		AggregateID: aggregateID,
		TenantID:    tenantID,
		TypeName:    typeName,
		Payload:     copyPayload(payload),
	}
	e.ContentHash = hashContent(e)
	return e
}

func copyPayload(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyPayload(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// WithSchema returns a copy of the event carrying the resolved schema reference.
// The content hash is unchanged; schema resolution is not logical content.
func (e Event) WithSchema(schemaID string, version int) Event {
	e.SchemaID = schemaID
	e.SchemaVersion = version
	return e
}

// PayloadJSON returns the payload serialized canonically (map keys sorted by
// encoding/json), suitable for storage and for the wire envelope.
func (e Event) PayloadJSON() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// hashContent hashes the logical content of an event: type, tenant, aggregate
// and canonical payload JSON. Generated identity fields (id, timestamp) and the
// late-bound schema reference are excluded so that independently built events
// with the same logical content hash identically.
func hashContent(e Event) string {
	h := sha256.New()
	h.Write([]byte(e.TypeName))
	h.Write([]byte{0})
	h.Write([]byte(e.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(e.AggregateID))
	h.Write([]byte{0})
	// encoding/json sorts map keys, so this is order-independent.
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
