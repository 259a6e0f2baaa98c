// Package gameruntime hosts the two GameRuntime variants that drive a
// running Game: ServerAuthoritative (the server owns the simulation) and
// Relay (clients simulate locally; the server only relays actions and
// checks state-hash agreement). Both share the Runtime contract so
// GameManager can host either behind one interface.
//
// The simulation environment itself — what spec.md calls the "model
// inference" the scene configures (a Pyodide-driven Python step function in
// the distilled source) — is explicitly out of scope here, the same way
// ProbeCoordinator's RTT oracle is: Environment is a caller-supplied
// interface, not an implementation this package owns.
package gameruntime

import (
	"encoding/json"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// StateObject is one rendered object in a broadcast state packet.
type StateObject struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// StepResult is what an Environment returns for one simulation tick.
type StepResult struct {
	Objects      []StateObject
	Removed      []string
	EpisodeDone  bool
	EpisodeCount int
}

// Environment is the opaque per-game simulation; spec.md places its
// implementation out of scope. actions is keyed by seat index, using the
// most recently ingested action for seats with one, absent for seats that
// should receive the scene's default action (Environment decides what that
// default is).
type Environment interface {
	Step(actions map[int]json.RawMessage) StepResult
	Reset()
}

// Broadcaster is the subset of Transport a runtime needs: room-scoped
// fan-out and single-connection delivery, used for start/state/end
// messages and relay action forwarding.
type Broadcaster interface {
	Send(connID types.ConnectionId, event string, payload any) error
	Broadcast(roomID string, event string, payload any)
}

// TerminatedHandler is GameRuntime's on_terminated(reason) event, invoked
// exactly once per game. GameManager subscribes to this instead of the
// runtime calling back into the manager directly (spec.md §9's design note
// replacing the source's cyclic GameManager/GameRuntime references).
type TerminatedHandler func(reason types.EndReason)

// Runtime is the shared GameRuntime contract.
type Runtime interface {
	Start()
	IngestAction(subjectID types.SubjectId, seat int, inputFrame int, action json.RawMessage)
	RequestTeardown()
}

// pendingAction is one ingested action waiting for its effective tick.
type pendingAction struct {
	seat          int
	inputFrame    int
	data          json.RawMessage
	effectiveTick uint64
}

func clampDuration(fps int) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}
