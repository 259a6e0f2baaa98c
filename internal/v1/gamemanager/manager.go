// Package gamemanager owns the entire lifecycle of games within one scene:
// waiting queues, matchmaking, optional latency probing, running games, and
// their teardown. One Manager exists per scene; every Manager in a process
// shares one SubjectIndex so invariant M1 (a subject is in at most one
// Game) holds system-wide.
package gamemanager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/gameruntime"
	"github.com/openlab-research/experiment-engine/internal/v1/matchmaker"
	"github.com/openlab-research/experiment-engine/internal/v1/metrics"
	"github.com/openlab-research/experiment-engine/internal/v1/probe"
	"github.com/openlab-research/experiment-engine/internal/v1/types"

	"github.com/google/uuid"
	"k8s.io/utils/set"
)

// Transport is the subset of transport.Hub a Manager needs: per-connection
// send, room-scoped broadcast, and room membership.
type Transport interface {
	Send(connID types.ConnectionId, event string, payload any) error
	Broadcast(roomID string, event string, payload any)
	JoinRoom(connID types.ConnectionId, roomID string)
	LeaveRoom(connID types.ConnectionId, roomID string)
	CloseRoom(roomID string)
}

// SubjectLocator resolves a subject's current connection, so the Manager
// can deliver start_game/waiting/waitroom_timeout without owning connection
// bookkeeping itself (SessionRegistry's job).
type SubjectLocator interface {
	ConnectionFor(subjectID types.SubjectId) (types.ConnectionId, bool)
}

// ProbeCoordinator is the narrow slice of probe.Coordinator the join path
// calls.
type ProbeCoordinator interface {
	CreateProbe(subjectA, subjectB types.SubjectId, onResult probe.ResultCallback) probe.Handle
	Cancel(handle probe.Handle)
}

// PairingRegistry is the narrow slice of pairing.Registry cleanup_game
// calls.
type PairingRegistry interface {
	CreateGroup(members []types.SubjectId, sceneID types.SceneId, groupKey types.GroupKey) types.PairingRecord
}

// MatchLogger is the narrow slice of matchlog.Logger Create game calls.
type MatchLogger interface {
	Append(entry types.MatchLogEntry) error
}

// ExportRegistrar is the narrow slice of exportsink.Sink Create game and
// cleanup_game call, so RecordEpisode calls arriving mid-game can place
// their output under the right scene directory and the mapping doesn't
// outlive the game.
type ExportRegistrar interface {
	RegisterGame(gameID types.GameId, sceneID types.SceneId)
	ForgetGame(gameID types.GameId)
}

// RuntimeFactory builds the GameRuntime instance for a freshly created
// game. The Manager treats its return value opaquely behind the
// gameruntime.Runtime contract.
type RuntimeFactory func(game *types.Game, onTerminated gameruntime.TerminatedHandler) gameruntime.Runtime

// Config holds the per-scene tunables from spec.md §6 that shape this
// Manager's join path.
type Config struct {
	SceneId          types.SceneId
	GroupSize        int
	WaitroomTimeout  time.Duration
	MaxServerRTTMs   int
	MaxP2PRTTMs      int
	ProbeTimeoutMs   int
}

// Manager is the GameManager component.
type Manager struct {
	cfg       Config
	index     *SubjectIndex
	mm        matchmaker.Matchmaker
	probe     ProbeCoordinator
	pairing   PairingRegistry
	logger    MatchLogger
	exports   ExportRegistrar
	tx        Transport
	locator   SubjectLocator
	newRuntime RuntimeFactory

	mu      sync.Mutex
	waiting []types.WaitingEntry
	games   map[types.GameId]*managedGame

	waitroomDone chan struct{}
	waitroomOnce sync.Once
}

type managedGame struct {
	game    *types.Game
	runtime gameruntime.Runtime
}

// New constructs a Manager. probe, pairing, logger, and exports may be
// nil — each is an optional collaborator per spec.md.
func New(cfg Config, index *SubjectIndex, mm matchmaker.Matchmaker, probe ProbeCoordinator, pairing PairingRegistry, logger MatchLogger, exports ExportRegistrar, tx Transport, locator SubjectLocator, newRuntime RuntimeFactory) *Manager {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 2
	}
	m := &Manager{
		cfg:          cfg,
		index:        index,
		mm:           mm,
		probe:        probe,
		pairing:      pairing,
		logger:       logger,
		exports:      exports,
		tx:           tx,
		locator:      locator,
		newRuntime:   newRuntime,
		games:        make(map[types.GameId]*managedGame),
		waitroomDone: make(chan struct{}),
	}
	go m.waitroomSweepLoop()
	return m
}

// Join is the GameManager join path (spec.md §4.4). connID is the
// subject's current connection, used to deliver "waiting" or any
// immediate rejection.
func (m *Manager) Join(subjectID types.SubjectId, connID types.ConnectionId, measuredRTTMs int, requiredGroupKey types.GroupKey) error {
	// Guard 1: self-heal a stale subject_to_game entry.
	if gameID, ok := m.index.GameFor(subjectID); ok {
		m.mu.Lock()
		_, stillRunning := m.games[gameID]
		m.mu.Unlock()
		if !stillRunning {
			m.index.Scrub(subjectID)
		}
	}

	arriving := types.MatchCandidate{SubjectId: subjectID, MeasuredRTTMs: measuredRTTMs, ArrivedAt: time.Now()}
	entry := types.WaitingEntry{Candidate: arriving, GroupSize: m.cfg.GroupSize, RequiredGroupKey: requiredGroupKey}

	m.mu.Lock()
	m.waiting = append(m.waiting, entry)
	pool := m.eligiblePoolLocked(requiredGroupKey, subjectID)
	m.mu.Unlock()

	metrics.WaitingSubjects.WithLabelValues(string(m.cfg.SceneId)).Set(float64(len(pool) + 1))

	if m.mm == nil {
		return fmt.Errorf("gamemanager: no matchmaker configured for scene %s", m.cfg.SceneId)
	}

	matched, ok := m.mm.FindMatch(arriving, pool, m.cfg.GroupSize)
	if !ok {
		metrics.MatchmakerDecisions.WithLabelValues(string(m.cfg.SceneId), "waiting").Inc()
		return m.tx.Send(connID, "waiting", map[string]any{"scene_id": m.cfg.SceneId})
	}

	needsProbe := m.probe != nil && m.cfg.MaxP2PRTTMs > 0 && m.cfg.GroupSize == 2
	if !needsProbe {
		metrics.MatchmakerDecisions.WithLabelValues(string(m.cfg.SceneId), "matched").Inc()
		m.createGame(append([]types.WaitingEntry{entry}, matched...))
		return nil
	}

	partner := matched[0].Candidate.SubjectId
	metrics.MatchmakerDecisions.WithLabelValues(string(m.cfg.SceneId), "probing").Inc()
	m.probe.CreateProbe(subjectID, partner, func(measuredRTTMs *int) {
		if matchmaker.ShouldRejectForRTT(measuredRTTMs, m.cfg.MaxP2PRTTMs) {
			slog.Info("probe rejected pair", "scene_id", m.cfg.SceneId, "a", subjectID, "b", partner)
			return
		}
		m.createGame(append([]types.WaitingEntry{entry}, matched...))
	})
	return nil
}

// ConnectionUpdater is satisfied by Runtime variants that relay to
// individual seat connections (gameruntime.Relay) and so must learn a
// reconnecting seat's new connection id; ServerAuthoritative broadcasts by
// room instead and has no per-seat connection to update.
type ConnectionUpdater interface {
	UpdateConnection(seat int, connID types.ConnectionId)
}

// Resume re-attaches a reconnecting subject's new connection to a game it
// already occupies, without entering matchmaking (spec.md §4.7: a
// reconnect onto an interactive scene resumes the existing game rather
// than re-running Join, which would otherwise violate invariant M1 by
// enqueuing a still-seated subject into a second game). It reports false
// if the subject has no running game, so the caller falls back to Join.
func (m *Manager) Resume(subjectID types.SubjectId, connID types.ConnectionId) bool {
	gameID, ok := m.index.GameFor(subjectID)
	if !ok {
		return false
	}

	m.mu.Lock()
	mg, running := m.games[gameID]
	if !running {
		m.mu.Unlock()
		m.index.Scrub(subjectID)
		return false
	}
	seat, hasSeat := m.seatFor(mg, subjectID)
	m.mu.Unlock()

	if !hasSeat {
		return false
	}

	if mg.runtime != nil {
		if updater, ok := mg.runtime.(ConnectionUpdater); ok {
			updater.UpdateConnection(seat, connID)
		}
	}

	roomID := string(gameID)
	m.tx.JoinRoom(connID, roomID)
	_ = m.tx.Send(connID, "start_game", map[string]any{
		"game_id":    gameID,
		"seat_index": seat,
		"group_key":  mg.game.GroupKey,
	})
	return true
}

// eligiblePoolLocked returns the waiting entries (excluding the arriving
// subject) eligible to be matched with it: same required group key, if any
// was requested. Must be called with m.mu held.
func (m *Manager) eligiblePoolLocked(requiredGroupKey types.GroupKey, exclude types.SubjectId) []types.WaitingEntry {
	pool := make([]types.WaitingEntry, 0, len(m.waiting))
	for _, e := range m.waiting {
		if e.Candidate.SubjectId == exclude {
			continue
		}
		if requiredGroupKey != "" && e.RequiredGroupKey != requiredGroupKey {
			continue
		}
		if requiredGroupKey == "" && e.RequiredGroupKey != "" {
			continue
		}
		pool = append(pool, e)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].Candidate.ArrivedAt.Before(pool[j].Candidate.ArrivedAt)
	})
	return pool
}

// createGame performs Create game (spec.md §4.4): atomic allocate +
// populate under lock, broadcast after release (Rules L1/L3).
func (m *Manager) createGame(members []types.WaitingEntry) {
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Candidate.ArrivedAt.Before(members[j].Candidate.ArrivedAt)
	})

	gameID := types.GameId(uuid.New().String())
	roomID := string(gameID)
	groupKey := members[0].RequiredGroupKey
	if groupKey == "" {
		groupKey = types.GroupKey(uuid.New().String())
	}

	seats := make([]types.Seat, len(members))
	memberIDs := make([]types.SubjectId, len(members))
	for i, entry := range members {
		seats[i] = types.Seat{SubjectId: entry.Candidate.SubjectId}
		memberIDs[i] = entry.Candidate.SubjectId
	}

	game := &types.Game{
		GameId:    gameID,
		SceneId:   m.cfg.SceneId,
		Seats:     seats,
		Status:    types.GameRunning,
		GroupKey:  groupKey,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.waiting = removeMatched(m.waiting, memberIDs)
	for _, id := range memberIDs {
		m.index.Set(id, gameID, roomID)
	}
	mg := &managedGame{game: game}
	if m.newRuntime != nil {
		mg.runtime = m.newRuntime(game, func(reason types.EndReason) {
			m.CleanupGame(gameID, reason)
		})
	}
	m.games[gameID] = mg
	m.mu.Unlock()

	if m.exports != nil {
		m.exports.RegisterGame(gameID, m.cfg.SceneId)
	}

	metrics.ActiveGames.WithLabelValues(string(m.cfg.SceneId)).Inc()

	if mg.runtime != nil {
		mg.runtime.Start()
	}

	for seatIndex, id := range memberIDs {
		connID, ok := m.locator.ConnectionFor(id)
		if !ok {
			continue
		}
		m.tx.JoinRoom(connID, roomID)
		_ = m.tx.Send(connID, "start_game", map[string]any{
			"game_id":    gameID,
			"seat_index": seatIndex,
			"group_key":  groupKey,
		})
	}

	if m.logger != nil {
		_ = m.logger.Append(types.MatchLogEntry{
			GameId:   gameID,
			SceneId:  m.cfg.SceneId,
			Members:  memberIDs,
			GroupKey: groupKey,
			FormedAt: game.StartedAt,
		})
	}
}

func removeMatched(waiting []types.WaitingEntry, matchedIDs []types.SubjectId) []types.WaitingEntry {
	matched := set.New(matchedIDs...)
	out := waiting[:0:0]
	for _, e := range waiting {
		if matched.Has(e.Candidate.SubjectId) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// CleanupGame is cleanup_game(game_id): idempotent, comprehensive, and the
// only path that destroys a Game's state (spec.md §4.4). Every exit path —
// normal completion, partner loss, desync, policy exclusion, probe
// timeout on an unreserved pair — funnels through here via the runtime's
// on_terminated event or a direct call from SessionRegistry's disconnect
// path.
func (m *Manager) CleanupGame(gameID types.GameId, reason types.EndReason) {
	m.mu.Lock()
	mg, ok := m.games[gameID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.games, gameID)

	var survivors []types.SubjectId
	for _, seat := range mg.game.Seats {
		if seat.SubjectId == "" {
			continue
		}
		survivors = append(survivors, seat.SubjectId)
	}
	for _, s := range survivors {
		m.index.ClearIfMatches(s, gameID)
	}
	m.mu.Unlock()

	metrics.ActiveGames.WithLabelValues(string(m.cfg.SceneId)).Dec()
	metrics.CleanupInvocations.WithLabelValues(string(reason)).Inc()

	if m.pairing != nil && len(survivors) > 0 {
		m.pairing.CreateGroup(survivors, m.cfg.SceneId, mg.game.GroupKey)
	}

	if mg.runtime != nil {
		mg.runtime.RequestTeardown()
	}

	if m.exports != nil {
		m.exports.ForgetGame(gameID)
	}

	roomID := string(gameID)
	m.tx.Broadcast(roomID, "end_game", map[string]any{"game_id": gameID, "reason": reason})
	m.tx.CloseRoom(roomID)
}

// StateHashIngester is satisfied by Runtime variants that check state-hash
// agreement (gameruntime.Relay); ServerAuthoritative has no use for it, so
// it is kept out of the shared Runtime contract and probed for here.
type StateHashIngester interface {
	IngestStateHash(seat int, frame int, hash string)
}

func (m *Manager) seatFor(mg *managedGame, subjectID types.SubjectId) (int, bool) {
	for i, seat := range mg.game.Seats {
		if seat.SubjectId == subjectID {
			return i, true
		}
	}
	return 0, false
}

// IngestAction routes one subject's player_action to their game's runtime,
// resolving the subject to its seat index within gameID.
func (m *Manager) IngestAction(subjectID types.SubjectId, gameID types.GameId, inputFrame int, action []byte) {
	m.mu.Lock()
	mg, ok := m.games[gameID]
	if !ok {
		m.mu.Unlock()
		return
	}
	seat, hasSeat := m.seatFor(mg, subjectID)
	m.mu.Unlock()

	if !hasSeat || mg.runtime == nil {
		return
	}
	mg.runtime.IngestAction(subjectID, seat, inputFrame, action)
}

// IngestStateHash routes one subject's reported state_hash to their game's
// runtime, if the runtime variant checks hash agreement at all.
func (m *Manager) IngestStateHash(subjectID types.SubjectId, gameID types.GameId, frame int, hash string) {
	m.mu.Lock()
	mg, ok := m.games[gameID]
	if !ok {
		m.mu.Unlock()
		return
	}
	seat, hasSeat := m.seatFor(mg, subjectID)
	m.mu.Unlock()

	if !hasSeat || mg.runtime == nil {
		return
	}
	if ingester, ok := mg.runtime.(StateHashIngester); ok {
		ingester.IngestStateHash(seat, frame, hash)
	}
}

// waitroomSweepLoop periodically expires stale WaitingEntries (spec.md
// §4.4's Waitroom timeout).
func (m *Manager) waitroomSweepLoop() {
	if m.cfg.WaitroomTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.waitroomDone:
			return
		case <-ticker.C:
			m.sweepWaitroom()
		}
	}
}

func (m *Manager) sweepWaitroom() {
	deadline := time.Now().Add(-m.cfg.WaitroomTimeout)

	m.mu.Lock()
	var expired []types.WaitingEntry
	remaining := m.waiting[:0:0]
	for _, e := range m.waiting {
		if e.Candidate.ArrivedAt.Before(deadline) {
			expired = append(expired, e)
			continue
		}
		remaining = append(remaining, e)
	}
	m.waiting = remaining
	m.mu.Unlock()

	for _, e := range expired {
		connID, ok := m.locator.ConnectionFor(e.Candidate.SubjectId)
		if !ok {
			continue
		}
		_ = m.tx.Send(connID, "waitroom_timeout", map[string]any{"scene_id": m.cfg.SceneId})
	}
}

// Shutdown stops the waitroom sweep loop and tears down every running game.
func (m *Manager) Shutdown(ctx context.Context) {
	m.waitroomOnce.Do(func() { close(m.waitroomDone) })

	m.mu.Lock()
	ids := make([]types.GameId, 0, len(m.games))
	for id := range m.games {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CleanupGame(id, types.EndServerClosed)
	}
}
