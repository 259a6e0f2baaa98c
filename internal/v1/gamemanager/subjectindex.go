package gamemanager

import (
	"sync"

	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// SubjectIndex is the shared subject_to_game/subject_to_room view spec.md
// §9 asks for: one consistent view derived by GameManager, instead of the
// source's scattered global maps. Every scene's Manager is constructed over
// the same SubjectIndex, since invariant M1 ("a subject is in at most one
// Game") holds across scenes, not merely within one.
type SubjectIndex struct {
	mu            sync.Mutex
	subjectToGame map[types.SubjectId]types.GameId
	subjectToRoom map[types.SubjectId]string
}

// NewSubjectIndex constructs an empty index.
func NewSubjectIndex() *SubjectIndex {
	return &SubjectIndex{
		subjectToGame: make(map[types.SubjectId]types.GameId),
		subjectToRoom: make(map[types.SubjectId]string),
	}
}

// GameFor returns the game a subject currently maps to, if any.
func (si *SubjectIndex) GameFor(subjectID types.SubjectId) (types.GameId, bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	g, ok := si.subjectToGame[subjectID]
	return g, ok
}

// Set records a subject's game/room assignment. Called under the owning
// Manager's lock as part of Rule L3's atomic create-and-publish.
func (si *SubjectIndex) Set(subjectID types.SubjectId, gameID types.GameId, roomID string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.subjectToGame[subjectID] = gameID
	si.subjectToRoom[subjectID] = roomID
}

// ClearIfMatches deletes a subject's entries only if they still point at
// gameID — the conditional delete cleanup_game's step 3 requires, so a
// subject who already re-joined a new game is never stomped.
func (si *SubjectIndex) ClearIfMatches(subjectID types.SubjectId, gameID types.GameId) {
	si.mu.Lock()
	defer si.mu.Unlock()
	if g, ok := si.subjectToGame[subjectID]; ok && g == gameID {
		delete(si.subjectToGame, subjectID)
		delete(si.subjectToRoom, subjectID)
	}
}

// Scrub removes a stale mapping outright, regardless of its value. Used by
// the join path's self-heal guard when the referenced game is already gone.
func (si *SubjectIndex) Scrub(subjectID types.SubjectId) {
	si.mu.Lock()
	defer si.mu.Unlock()
	delete(si.subjectToGame, subjectID)
	delete(si.subjectToRoom, subjectID)
}
