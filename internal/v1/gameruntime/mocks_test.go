package gameruntime

import (
	"encoding/json"
	"sync"

	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// fakeBroadcaster records sends/broadcasts for assertions.
type fakeBroadcaster struct {
	mu         sync.Mutex
	sends      []sendCall
	broadcasts []broadcastCall
}

type sendCall struct {
	connID  types.ConnectionId
	event   string
	payload any
}

type broadcastCall struct {
	roomID  string
	event   string
	payload any
}

func (f *fakeBroadcaster) Send(connID types.ConnectionId, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{connID, event, payload})
	return nil
}

func (f *fakeBroadcaster) Broadcast(roomID string, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastCall{roomID, event, payload})
}

func (f *fakeBroadcaster) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeBroadcaster) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeEnvironment is a minimal, deterministic Environment for tests.
type fakeEnvironment struct {
	mu          sync.Mutex
	steps       int
	episodeLen  int // episode ends every episodeLen steps
	resetCalled int
}

func (e *fakeEnvironment) Step(actions map[int]json.RawMessage) StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps++

	done := e.episodeLen > 0 && e.steps%e.episodeLen == 0
	return StepResult{
		Objects:     []StateObject{{ID: "obj-1"}},
		EpisodeDone: done,
	}
}

func (e *fakeEnvironment) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetCalled++
}

func (e *fakeEnvironment) stepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps
}

func (e *fakeEnvironment) resetCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetCalled
}

// fakeExportSink records episode dumps.
type fakeExportSink struct {
	mu      sync.Mutex
	records int
}

func (s *fakeExportSink) RecordEpisode(gameID types.GameId, seat int, subjectID types.SubjectId, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records++
}

func (s *fakeExportSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}
