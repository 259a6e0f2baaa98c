package gameruntime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// RelayConfig configures one run of the relay variant.
type RelayConfig struct {
	GameId              types.GameId
	RoomId              string
	FrameConfirmTimeout time.Duration // drops unconfirmed seats past this, surfacing desync
}

// RelayEndpoint maps a seat to the connection actions/hashes are relayed
// to and from.
type RelayEndpoint struct {
	Seat      int
	SubjectId types.SubjectId
	ConnId    types.ConnectionId
}

// Relay is the client-simulated GameRuntime variant: it owns no simulation
// state, only brokers actions between seats and validates that clients'
// state hashes agree on confirmed frames (spec.md §4.5). Grounded on the
// teacher's handlers_webrtc.go forwarding pattern (receive from one peer,
// select-send to the other, drop rather than block), generalized from
// SDP/ICE payloads to game actions and hash confirmations.
type Relay struct {
	cfg       RelayConfig
	tx        Broadcaster
	endpoints []RelayEndpoint

	onTerminated TerminatedHandler

	mu             sync.Mutex
	hashesByFrame  map[int]map[int]string // frame -> seat -> hash
	frameTimers    map[int]*time.Timer    // frame -> confirmation deadline
	confirmedFrame int
	stopped        bool
}

// NewRelay constructs the relay runtime for a fixed set of seat endpoints.
func NewRelay(cfg RelayConfig, tx Broadcaster, endpoints []RelayEndpoint, onTerminated TerminatedHandler) *Relay {
	return &Relay{
		cfg:           cfg,
		tx:            tx,
		endpoints:     endpoints,
		onTerminated:  onTerminated,
		hashesByFrame: make(map[int]map[int]string),
		frameTimers:   make(map[int]*time.Timer),
	}
}

// Start is a no-op beyond satisfying the Runtime contract; relay has no
// tick loop of its own to launch.
func (r *Relay) Start() {}

// IngestAction rebroadcasts one seat's action to every other seat in the
// game. The broker does no simulation of its own.
func (r *Relay) IngestAction(subjectID types.SubjectId, seat int, inputFrame int, action json.RawMessage) {
	r.mu.Lock()
	endpoints := append([]RelayEndpoint(nil), r.endpoints...)
	r.mu.Unlock()

	for _, ep := range endpoints {
		if ep.Seat == seat {
			continue
		}
		_ = r.tx.Send(ep.ConnId, "player_action", map[string]any{
			"game_id":     r.cfg.GameId,
			"seat":        seat,
			"input_frame": inputFrame,
			"action":      action,
		})
	}
}

// IngestStateHash records one seat's reported hash for a frame. Once every
// seat has reported for a frame, agreement is checked: disagreement ends
// the game with on_terminated(desync); agreement advances the confirmed
// frame high-water mark. The first hash reported for a frame arms a
// FrameConfirmTimeout deadline (spec.md §4.5, §5): a seat that stops
// reporting leaves the frame permanently unconfirmed, so expireFrame
// surfaces that as on_terminated(desync) instead of hanging forever.
func (r *Relay) IngestStateHash(seat int, frame int, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	byseat, ok := r.hashesByFrame[frame]
	if !ok {
		byseat = make(map[int]string)
		r.hashesByFrame[frame] = byseat
		r.armFrameTimerLocked(frame)
	}
	byseat[seat] = hash

	if len(byseat) != len(r.endpoints) {
		return
	}

	var first string
	agree := true
	for _, h := range byseat {
		if first == "" {
			first = h
			continue
		}
		if h != first {
			agree = false
			break
		}
	}

	r.clearFrameTimerLocked(frame)
	delete(r.hashesByFrame, frame)

	if !agree {
		r.terminateLocked(types.EndDesync)
		return
	}

	if frame > r.confirmedFrame {
		r.confirmedFrame = frame
	}
}

// armFrameTimerLocked starts frame's confirmation deadline. A non-positive
// FrameConfirmTimeout disables the check (no configured ceiling).
func (r *Relay) armFrameTimerLocked(frame int) {
	if r.cfg.FrameConfirmTimeout <= 0 {
		return
	}
	r.frameTimers[frame] = time.AfterFunc(r.cfg.FrameConfirmTimeout, func() {
		r.expireFrame(frame)
	})
}

func (r *Relay) clearFrameTimerLocked(frame int) {
	if timer, ok := r.frameTimers[frame]; ok {
		timer.Stop()
		delete(r.frameTimers, frame)
	}
}

// expireFrame fires when frame has gone unconfirmed past FrameConfirmTimeout.
func (r *Relay) expireFrame(frame int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if _, pending := r.hashesByFrame[frame]; !pending {
		return
	}
	delete(r.hashesByFrame, frame)
	delete(r.frameTimers, frame)
	r.terminateLocked(types.EndDesync)
}

// ConfirmedFrame returns the highest frame for which every seat has
// reported an agreeing state hash.
func (r *Relay) ConfirmedFrame() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmedFrame
}

// UpdateConnection re-points a seat's relay target at a reconnecting
// subject's new connection, satisfying gamemanager.ConnectionUpdater.
func (r *Relay) UpdateConnection(seat int, connID types.ConnectionId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.endpoints {
		if r.endpoints[i].Seat == seat {
			r.endpoints[i].ConnId = connID
			return
		}
	}
}

// RequestTeardown marks the relay stopped; safe to call multiple times.
func (r *Relay) RequestTeardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminateLocked(types.EndNormal)
}

func (r *Relay) terminateLocked(reason types.EndReason) {
	if r.stopped {
		return
	}
	r.stopped = true
	for frame, timer := range r.frameTimers {
		timer.Stop()
		delete(r.frameTimers, frame)
	}

	if r.onTerminated != nil {
		handler := r.onTerminated
		go handler(reason)
	}
}
