package domain

import "time"

// AuditEntry records an admin or system action against a mutable entity.
// Detail is free-form JSON produced by the caller.
type AuditEntry struct {
	ID        int64     `json:"id" db:"id"`
	ActorID   string    `json:"actor_id" db:"actor_id"`
	Action    string    `json:"action" db:"action"`
	Entity    string    `json:"entity" db:"entity"`
	EntityID  string    `json:"entity_id,omitempty" db:"entity_id"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
