// Package engine assembles every domain component into one process-scoped
// aggregate: a single SessionRegistry, a single MatchLogger, a single
// ExportSink, one SceneStager, one LoadingGate, and a map of per-scene
// GameManagers sharing one SubjectIndex (PairingRegistry and
// ProbeCoordinator are wired into each GameManager, not into Engine).
// It replaces the teacher's (and the distilled source's)
// package-level singletons and owns the wire-event routing that the
// teacher's hub.go dispatch table does for video-room events.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openlab-research/experiment-engine/internal/v1/exportsink"
	"github.com/openlab-research/experiment-engine/internal/v1/gamemanager"
	"github.com/openlab-research/experiment-engine/internal/v1/loadinggate"
	"github.com/openlab-research/experiment-engine/internal/v1/matchlog"
	"github.com/openlab-research/experiment-engine/internal/v1/scene"
	"github.com/openlab-research/experiment-engine/internal/v1/session"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// Transport is the subset of transport.Hub the engine drives directly:
// registering handlers and sending to individual connections (room
// membership is owned entirely by gamemanager.Manager).
type Transport interface {
	Send(connID types.ConnectionId, event string, payload any) error
	SetHandlers(onMessage func(connID types.ConnectionId, event string, payload json.RawMessage), onDisconnect func(connID types.ConnectionId))
}

// ScreeningProvider supplies the entry_screening payload sent with
// experiment_config; its content is out of scope for this engine (spec.md
// places scene content authoring out of scope) so it is caller-supplied.
type ScreeningProvider func(subjectID types.SubjectId) any

// Engine is the aggregate root. Pairing and probing are collaborators of
// each scene's gamemanager.Manager (wired directly by cmd/v1/engineserver),
// not of Engine itself — Engine only routes wire events and owns the
// cross-scene state (sessions, scene progression, the loading gate).
type Engine struct {
	sessions *session.Registry
	logger   *matchlog.Logger
	exports  *exportsink.Sink
	gate     *loadinggate.Gate
	stager   *scene.Stager
	managers map[types.SceneId]*gamemanager.Manager
	index    *gamemanager.SubjectIndex

	tx         Transport
	screening  ScreeningProvider
	experiment string
}

// Deps bundles every collaborator Engine wires together. Managers is
// built by the caller (cmd/v1/engineserver) since each Manager needs a
// scene-specific Config and RuntimeFactory only the process entrypoint
// knows how to build.
type Deps struct {
	Sessions     *session.Registry
	MatchLogger  *matchlog.Logger
	ExportSink   *exportsink.Sink
	Gate         *loadinggate.Gate
	Stager       *scene.Stager
	SubjectIndex *gamemanager.SubjectIndex
	Managers     map[types.SceneId]*gamemanager.Manager
	Transport    Transport
	Screening    ScreeningProvider
	ExperimentId string
}

// New assembles the Engine and wires Transport's dispatch table.
func New(d Deps) *Engine {
	e := &Engine{
		sessions:   d.Sessions,
		logger:     d.MatchLogger,
		exports:    d.ExportSink,
		gate:       d.Gate,
		stager:     d.Stager,
		managers:   d.Managers,
		index:      d.SubjectIndex,
		tx:         d.Transport,
		screening:  d.Screening,
		experiment: d.ExperimentId,
	}
	if e.tx != nil {
		e.tx.SetHandlers(e.onMessage, e.onDisconnect)
	}
	return e
}

// onMessage is Transport's single dispatch point, routing every inbound
// Envelope to the component that owns it.
func (e *Engine) onMessage(connID types.ConnectionId, event string, payload json.RawMessage) {
	switch event {
	case "register_subject":
		e.handleRegisterSubject(connID, payload)
	case "screening_result":
		e.handleScreeningResult(connID, payload)
	case "runtime_loading_complete":
		e.handleRuntimeLoadingComplete(connID, payload)
	case "advance_scene":
		e.handleAdvanceScene(connID)
	case "player_action":
		e.handlePlayerAction(connID, payload)
	case "state_hash":
		e.handleStateHash(connID, payload)
	default:
		slog.Warn("engine: unrecognized wire event", "event", event, "connection_id", connID)
	}
}

type registerSubjectPayload struct {
	SubjectId types.SubjectId `json:"subject_id"`
}

func (e *Engine) handleRegisterSubject(connID types.ConnectionId, raw json.RawMessage) {
	var p registerSubjectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("engine: malformed register_subject", "error", err)
		return
	}

	if _, err := e.sessions.Reconnect(p.SubjectId, connID); err == nil {
		// A reconnecting subject already cleared the loading gate once to
		// reach its current scene (spec.md §4.8 step 5: a reconnect must not
		// re-show the loading screen). Re-arming Start here would key a fresh
		// gateState to the new connID — one the client never re-drives with
		// screening_result/runtime_loading_complete — and the deadline timer
		// would eventually fire a spurious exclusion_message.
		_ = e.stager.Resume(p.SubjectId, connID)
		return
	}

	if err := e.sessions.Register(p.SubjectId, connID); err != nil {
		slog.Info("engine: duplicate register_subject rejected", "subject_id", p.SubjectId, "error", err)
		_ = e.tx.Send(connID, "exclusion_message", map[string]any{"reason": "duplicate_subject"})
		return
	}

	e.gate.Start(connID, e.gateResolvedHandler(p.SubjectId, connID))
	_ = e.tx.Send(connID, "experiment_config", map[string]any{
		"entry_screening": e.screeningFor(p.SubjectId),
	})
}

func (e *Engine) screeningFor(subjectID types.SubjectId) any {
	if e.screening == nil {
		return nil
	}
	return e.screening(subjectID)
}

// gateResolvedHandler closes over the (subjectID, connID) pair so
// LoadingGate's outcome can drive the stager or a terminal error screen.
func (e *Engine) gateResolvedHandler(subjectID types.SubjectId, connID types.ConnectionId) loadinggate.ResolvedHandler {
	return func(outcome loadinggate.Outcome, reason string) {
		if outcome != loadinggate.OutcomePass {
			_ = e.tx.Send(connID, "exclusion_message", map[string]any{"reason": reason})
			return
		}
		if err := e.stager.Start(subjectID, connID); err != nil {
			slog.Error("engine: stager failed to start", "subject_id", subjectID, "error", err)
		}
	}
}

type screeningResultPayload struct {
	Pass    bool   `json:"pass"`
	Message string `json:"message,omitempty"`
}

func (e *Engine) handleScreeningResult(connID types.ConnectionId, raw json.RawMessage) {
	var p screeningResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	subjectID, ok := e.sessions.SubjectFor(connID)
	if !ok {
		return
	}
	e.gate.ScreeningResult(connID, p.Pass, e.gateResolvedHandler(subjectID, connID))
}

type runtimeLoadingCompletePayload struct {
	Ok     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func (e *Engine) handleRuntimeLoadingComplete(connID types.ConnectionId, raw json.RawMessage) {
	var p runtimeLoadingCompletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	subjectID, ok := e.sessions.SubjectFor(connID)
	if !ok {
		return
	}
	e.gate.RuntimeLoadingComplete(connID, p.Ok, e.gateResolvedHandler(subjectID, connID))
}

func (e *Engine) handleAdvanceScene(connID types.ConnectionId) {
	subjectID, ok := e.sessions.SubjectFor(connID)
	if !ok {
		return
	}
	if err := e.stager.Advance(subjectID, connID); err != nil {
		slog.Info("engine: advance_scene rejected", "subject_id", subjectID, "error", err)
		return
	}
	if sceneID, ok := e.stager.CurrentScene(subjectID); ok {
		e.sessions.SetCurrentScene(subjectID, sceneID)
	}
}

type playerActionPayload struct {
	GameId     types.GameId    `json:"game_id"`
	InputFrame int             `json:"input_frame"`
	Action     json.RawMessage `json:"action"`
}

func (e *Engine) handlePlayerAction(connID types.ConnectionId, raw json.RawMessage) {
	var p playerActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	subjectID, ok := e.sessions.SubjectFor(connID)
	if !ok {
		return
	}
	sceneID, ok := e.stager.CurrentScene(subjectID)
	if !ok {
		return
	}
	mgr, ok := e.managers[sceneID]
	if !ok {
		return
	}
	mgr.IngestAction(subjectID, p.GameId, p.InputFrame, p.Action)
}

type stateHashPayload struct {
	GameId types.GameId `json:"game_id"`
	Frame  int          `json:"frame"`
	Hash   string       `json:"hash"`
}

func (e *Engine) handleStateHash(connID types.ConnectionId, raw json.RawMessage) {
	var p stateHashPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	subjectID, ok := e.sessions.SubjectFor(connID)
	if !ok {
		return
	}
	sceneID, ok := e.stager.CurrentScene(subjectID)
	if !ok {
		return
	}
	mgr, ok := e.managers[sceneID]
	if !ok {
		return
	}
	mgr.IngestStateHash(subjectID, p.GameId, p.Frame, p.Hash)
}

func (e *Engine) onDisconnect(connID types.ConnectionId) {
	e.gate.Remove(connID)
	e.sessions.Disconnect(connID)
}

// CleanupForSubject is cleanup_for_subject(subject_id): run once a
// disconnected subject's reconnection grace expires without a reconnect.
// It is intended to be passed as the session.CleanupFunc the Registry
// invokes on grace expiry (wired by the process entrypoint, which
// constructs the Registry before the Engine that owns this method —
// typically via a forwarding closure over the not-yet-constructed Engine).
func (e *Engine) CleanupForSubject(subjectID types.SubjectId) {
	e.stager.Remove(subjectID)

	gameID, ok := e.index.GameFor(subjectID)
	if !ok {
		return
	}
	for _, mgr := range e.managers {
		mgr.CleanupGame(gameID, types.EndPartnerLost)
	}
}

// Check satisfies health.EngineChecker.
func (e *Engine) Check(ctx context.Context) string {
	if e.sessions == nil {
		return "unhealthy"
	}
	return "healthy"
}

// Shutdown drains every scene's GameManager.
func (e *Engine) Shutdown(ctx context.Context) error {
	for sceneID, mgr := range e.managers {
		mgr.Shutdown(ctx)
		slog.Info("engine: scene manager drained", "scene_id", sceneID)
	}
	if e.logger != nil {
		if err := e.logger.Close(); err != nil {
			return fmt.Errorf("engine: close match logger: %w", err)
		}
	}
	if e.exports != nil {
		if err := e.exports.Close(); err != nil {
			return fmt.Errorf("engine: close export sink: %w", err)
		}
	}
	return nil
}
