// Package scene implements SceneStager: a per-subject ordered scene script
// that advances monotonically and never re-enters a completed scene.
// Grounded on the teacher's RoleType transition texture in
// session/room.go (a one-way state machine over a fixed small set of
// states), applied here to scene-index advancement instead of roles.
package scene

import (
	"fmt"
	"sync"

	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// Kind distinguishes a static content scene from an interactive one that
// delegates to a GameManager's join path.
type Kind string

const (
	KindStatic      Kind = "static"
	KindInteractive Kind = "interactive"
)

// Definition is one entry in a script.
type Definition struct {
	SceneId types.SceneId
	Kind    Kind
	Metadata map[string]any
}

// Activator is the Transport-facing side of staging: emit activate_scene to
// a subject's current connection.
type Activator interface {
	ActivateScene(subjectID types.SubjectId, connID types.ConnectionId, sceneID types.SceneId, metadata map[string]any)
}

// GameJoiner is the GameManager-facing side: join the interactive scene's
// matchmaking queue, or re-attach a reconnecting subject to a game it is
// already seated in.
type GameJoiner interface {
	Join(subjectID types.SubjectId, connID types.ConnectionId, measuredRTTMs int, requiredGroupKey types.GroupKey) error

	// Resume re-attaches subjectID's new connection to a game it already
	// occupies, without entering matchmaking. It reports false when the
	// subject has no running game (e.g. it ended while disconnected), in
	// which case the caller falls back to Join.
	Resume(subjectID types.SubjectId, connID types.ConnectionId) bool
}

// Script is the fixed, process-wide sequence of scenes every subject
// progresses through. It does not vary per subject; only the per-subject
// index does.
type Script []Definition

// Stager is the SceneStager component. One Stager instance serves every
// subject; per-subject state lives in the indices map, guarded by a mutex
// the same way transport.Hub guards its room map.
type Stager struct {
	script   Script
	joiners  map[types.SceneId]GameJoiner
	activate Activator

	mu      sync.Mutex
	indices map[types.SubjectId]int
}

// New constructs a Stager over a fixed script. joiners maps each
// interactive scene id to the GameManager responsible for it.
func New(script Script, joiners map[types.SceneId]GameJoiner, activator Activator) *Stager {
	return &Stager{
		script:  script,
		joiners: joiners,
		activate: activator,
		indices: make(map[types.SubjectId]int),
	}
}

// Start places a subject at the first scene and emits its activation. Idempotent
// no-op if the subject already has a position.
func (s *Stager) Start(subjectID types.SubjectId, connID types.ConnectionId) error {
	s.mu.Lock()
	if _, ok := s.indices[subjectID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.indices[subjectID] = 0
	s.mu.Unlock()

	return s.emitCurrent(subjectID, connID, false)
}

// Advance is the sole monotonic forward move: it increments the subject's
// scene index and emits the new current scene's activation. A subject
// already at the final scene cannot advance further.
func (s *Stager) Advance(subjectID types.SubjectId, connID types.ConnectionId) error {
	s.mu.Lock()
	idx, ok := s.indices[subjectID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scene: subject %s has not started staging", subjectID)
	}
	if idx+1 >= len(s.script) {
		s.mu.Unlock()
		return fmt.Errorf("scene: subject %s is already at the final scene", subjectID)
	}
	idx++
	s.indices[subjectID] = idx
	s.mu.Unlock()

	return s.emitCurrent(subjectID, connID, false)
}

// Resume re-emits only the subject's current scene (reconnect-resume per
// spec.md §4.7) — it never advances or replays earlier scenes. If the
// current scene is interactive, it re-attaches to the subject's existing
// game rather than re-entering matchmaking (a still-running game must not
// gain a second seat for the same subject — invariant M1).
func (s *Stager) Resume(subjectID types.SubjectId, connID types.ConnectionId) error {
	s.mu.Lock()
	_, ok := s.indices[subjectID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scene: subject %s has not started staging", subjectID)
	}
	return s.emitCurrent(subjectID, connID, true)
}

// CurrentScene returns the scene id a subject currently occupies.
func (s *Stager) CurrentScene(subjectID types.SubjectId) (types.SceneId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[subjectID]
	if !ok {
		return "", false
	}
	return s.script[idx].SceneId, true
}

func (s *Stager) emitCurrent(subjectID types.SubjectId, connID types.ConnectionId, resume bool) error {
	s.mu.Lock()
	idx := s.indices[subjectID]
	def := s.script[idx]
	s.mu.Unlock()

	if s.activate != nil {
		s.activate.ActivateScene(subjectID, connID, def.SceneId, def.Metadata)
	}

	if def.Kind != KindInteractive {
		return nil
	}

	joiner, ok := s.joiners[def.SceneId]
	if !ok {
		return fmt.Errorf("scene: no GameManager configured for interactive scene %s", def.SceneId)
	}
	if resume && joiner.Resume(subjectID, connID) {
		return nil
	}
	return joiner.Join(subjectID, connID, 0, "")
}

// Remove drops a subject's staging position, used when its session is
// finally torn down (cleanup_for_subject).
func (s *Stager) Remove(subjectID types.SubjectId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indices, subjectID)
}
