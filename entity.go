package conductor

import "time"

// Entity carries the bookkeeping timestamps shared by every persisted record.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current UTC time.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch advances UpdatedAt to now.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now
}
