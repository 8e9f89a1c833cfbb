// Package store persists approved incidents. Two implementations are
// provided: an in-memory store for single-node deployments and tests, and
// a NATS JetStream key-value store for durability across restarts.
package store

import (
	"context"

	"github.com/c360/sentinelstreams/types"
)

// Store is the incident persistence interface. All methods are safe for
// concurrent use.
type Store interface {
	// Append persists a newly approved incident.
	Append(ctx context.Context, incident types.Incident) error

	// Get returns one incident by ID.
	Get(ctx context.Context, incidentID string) (types.Incident, error)

	// Active returns all incidents whose status is active, newest first.
	Active(ctx context.Context) ([]types.Incident, error)

	// Recent returns up to limit incidents regardless of status, newest
	// first. A non-positive limit returns everything.
	Recent(ctx context.Context, limit int) ([]types.Incident, error)

	// Resolve transitions an incident to resolved status.
	Resolve(ctx context.Context, incidentID string) error
}
