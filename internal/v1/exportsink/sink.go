// Package exportsink implements ExportSink: per-episode byte-buffer record
// dumps keyed by experiment_id/scene_id/subject_id. The on-disk record
// format is out of scope (spec.md §4.10) — the sink only owns directory
// layout and append semantics, grounded on matchlog's file-per-key
// zapcore.WriteSyncer idiom, generalized from one shared log file to one
// file per subject per scene.
package exportsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// Sink is the ExportSink component. It satisfies
// gameruntime.ExportRecorder.
type Sink struct {
	dataDir      string
	experimentID string

	mu      sync.Mutex
	sceneOf map[types.GameId]types.SceneId
	files   map[string]*os.File
}

// New constructs a Sink rooted at dataDir/experimentID. sceneOf resolves a
// GameId to its owning SceneId for directory placement, since
// RecordEpisode is only handed a GameId by the runtime.
func New(dataDir, experimentID string) *Sink {
	return &Sink{
		dataDir:      dataDir,
		experimentID: experimentID,
		sceneOf:      make(map[types.GameId]types.SceneId),
		files:        make(map[string]*os.File),
	}
}

// RegisterGame records which scene a game belongs to, so RecordEpisode can
// place its output under data/{experiment_id}/{scene_id}/.
func (s *Sink) RegisterGame(gameID types.GameId, sceneID types.SceneId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sceneOf[gameID] = sceneID
}

// RecordEpisode appends one episode's byte buffer for a subject's seat.
// Satisfies gameruntime.ExportRecorder.
func (s *Sink) RecordEpisode(gameID types.GameId, seat int, subjectID types.SubjectId, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sceneID, ok := s.sceneOf[gameID]
	if !ok {
		sceneID = "unknown"
	}
	key := fmt.Sprintf("%s/%s", sceneID, subjectID)
	f, ok := s.files[key]
	if !ok {
		var err error
		f, err = s.openFile(sceneID, subjectID)
		if err != nil {
			return
		}
		s.files[key] = f
	}
	_, _ = f.Write(data)
}

func (s *Sink) openFile(sceneID types.SceneId, subjectID types.SubjectId) (*os.File, error) {
	dir := filepath.Join(s.dataDir, s.experimentID, string(sceneID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, string(subjectID)+".bin")
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// Close releases every open file handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ForgetGame drops the game→scene mapping once cleanup_game has run, so the
// map doesn't grow unboundedly across a long-running process.
func (s *Sink) ForgetGame(gameID types.GameId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sceneOf, gameID)
}
