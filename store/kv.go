package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/natsclient"
	"github.com/c360/sentinelstreams/types"
)

// KVIncidentStore persists incidents in a NATS JetStream key-value bucket,
// one key per incident. Retention limits belong to the bucket
// configuration, not this layer.
type KVIncidentStore struct {
	kv *natsclient.KVStore
}

var _ Store = (*KVIncidentStore)(nil)

// NewKVIncidentStore wraps a key-value store as an incident store.
func NewKVIncidentStore(kv *natsclient.KVStore) *KVIncidentStore {
	return &KVIncidentStore{kv: kv}
}

// Append persists an incident. Incident IDs are unique, so a key collision
// is an error rather than an overwrite.
func (s *KVIncidentStore) Append(ctx context.Context, incident types.Incident) error {
	if incident.IncidentID == "" {
		return errors.WrapInvalid(errors.ErrMalformedReading, "store", "Append",
			"incident missing ID")
	}

	value, err := json.Marshal(incident)
	if err != nil {
		return errors.WrapInvalid(err, "store", "Append", "encode incident")
	}

	if _, err := s.kv.Create(ctx, incident.IncidentID, value); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(err, "store", "Append",
				"incident "+incident.IncidentID+" already stored")
		}
		return errors.WrapTransient(err, "store", "Append", "kv create")
	}
	return nil
}

// Get returns one incident by ID.
func (s *KVIncidentStore) Get(ctx context.Context, incidentID string) (types.Incident, error) {
	entry, err := s.kv.Get(ctx, incidentID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return types.Incident{}, errors.WrapInvalid(errors.ErrKeyNotFound, "store", "Get",
				"incident "+incidentID)
		}
		return types.Incident{}, errors.WrapTransient(err, "store", "Get", "kv get")
	}

	var incident types.Incident
	if err := json.Unmarshal(entry.Value, &incident); err != nil {
		return types.Incident{}, errors.WrapInvalid(err, "store", "Get", "decode incident")
	}
	return incident, nil
}

// Active returns active incidents, newest first.
func (s *KVIncidentStore) Active(ctx context.Context) ([]types.Incident, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, incident := range all {
		if incident.Status == types.IncidentActive {
			out = append(out, incident)
		}
	}
	return out, nil
}

// Recent returns up to limit incidents, newest first.
func (s *KVIncidentStore) Recent(ctx context.Context, limit int) ([]types.Incident, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Resolve transitions an incident to resolved status using a CAS update,
// so concurrent resolvers cannot clobber each other.
func (s *KVIncidentStore) Resolve(ctx context.Context, incidentID string) error {
	err := s.kv.UpdateWithRetry(ctx, incidentID, func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "store", "Resolve",
				"incident "+incidentID)
		}
		var incident types.Incident
		if err := json.Unmarshal(current, &incident); err != nil {
			return nil, err
		}
		incident.Status = types.IncidentResolved
		return json.Marshal(incident)
	})
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(errors.ErrKeyNotFound, "store", "Resolve",
				"incident "+incidentID)
		}
		return err
	}
	return nil
}

// list loads every incident in the bucket, newest first.
func (s *KVIncidentStore) list(ctx context.Context) ([]types.Incident, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil // empty bucket
		}
		return nil, errors.WrapTransient(err, "store", "list", "kv keys")
	}

	out := make([]types.Incident, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue // deleted between Keys and Get
			}
			return nil, errors.WrapTransient(err, "store", "list", "kv get "+key)
		}
		var incident types.Incident
		if err := json.Unmarshal(entry.Value, &incident); err != nil {
			continue // skip corrupt entries rather than failing the listing
		}
		out = append(out, incident)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
