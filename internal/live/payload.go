// internal/live/payload.go
package live

import "time"

// Kind tags a Payload.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"

	// KindResync carries no row data. It is delivered after a dropped connection
	// comes back, telling listeners to reload because changes may have been missed.
	KindResync Kind = "RESYNC"
)

// ParseKind maps a backend event type to a Kind. Unknown values return false.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindInsert, KindUpdate, KindDelete, KindResync:
		return Kind(s), true
	}
	return "", false
}

// Row is a decoded table row.
type Row map[string]any

// Payload is one change notification for a resource.
//
// Insert carries New, Delete carries Old, Update carries both (Old may only hold
// the primary key, depending on the table's replica identity).
type Payload struct {
	Resource        string    `json:"resource"`
	Kind            Kind      `json:"kind"`
	Schema          string    `json:"schema,omitempty"`
	Table           string    `json:"table,omitempty"`
	New             Row       `json:"new,omitempty"`
	Old             Row       `json:"old,omitempty"`
	CommitTimestamp time.Time `json:"commit_timestamp,omitzero"`
	Errors          []string  `json:"errors,omitempty"`
}

// Listener receives payloads for a resource. It is called from backend
// goroutines and must not block for long.
type Listener func(Payload)
