// Package pairing tracks which subjects have played together, so a later
// scene can re-pair a known group. It is in-memory authoritative. An
// optional Redis set per group receives a copy of each group's members;
// lookups never read it back and its keys are written without an expiry,
// so nothing from it is restored after a restart (spec.md's Non-goal).
package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/bus"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// Registry is the PairingRegistry component: an append-only log of group
// formations, queryable per subject+scene for "wait for known group".
type Registry struct {
	mu      sync.RWMutex
	records []types.PairingRecord
	// lastByKey indexes the most recent record for a subject+scene pair.
	lastByKey map[string]int

	cache *bus.Service
}

// New constructs a Registry. cache may be nil; when set, CreateGroup also
// adds each member to a Redis set, which GetLastGroupFor does not read.
func New(cache *bus.Service) *Registry {
	return &Registry{
		lastByKey: make(map[string]int),
		cache:     cache,
	}
}

func key(subjectID types.SubjectId, sceneID types.SceneId) string {
	return fmt.Sprintf("%s:%s", sceneID, subjectID)
}

// CreateGroup appends a pairing record for the given members within a
// scene. This is the only mutator; records are never edited or removed.
func (r *Registry) CreateGroup(members []types.SubjectId, sceneID types.SceneId, groupKey types.GroupKey) types.PairingRecord {
	record := types.PairingRecord{
		SceneId:  sceneID,
		GroupKey: groupKey,
		Members:  append([]types.SubjectId(nil), members...),
		FormedAt: time.Now(),
	}

	r.mu.Lock()
	idx := len(r.records)
	r.records = append(r.records, record)
	for _, m := range members {
		r.lastByKey[key(m, sceneID)] = idx
	}
	r.mu.Unlock()

	if r.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cacheKey := fmt.Sprintf("pairing:%s:%s", sceneID, groupKey)
		for _, m := range members {
			_ = r.cache.SetAdd(ctx, cacheKey, string(m))
		}
	}

	return record
}

// GetLastGroupFor returns the most recent group a subject was paired into
// for a given scene, if any.
func (r *Registry) GetLastGroupFor(subjectID types.SubjectId, sceneID types.SceneId) (types.PairingRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.lastByKey[key(subjectID, sceneID)]
	if !ok {
		return types.PairingRecord{}, false
	}
	return r.records[idx], true
}
