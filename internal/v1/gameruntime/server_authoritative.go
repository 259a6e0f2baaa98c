package gameruntime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/metrics"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// ServerAuthoritativeConfig configures one run of the server-authoritative
// loop. StateBroadcastInterval and InputDelayFrames mirror spec.md §6
// configuration knobs; the other fields describe the game being run.
type ServerAuthoritativeConfig struct {
	GameId                 types.GameId
	RoomId                 string
	FPS                    int
	StateBroadcastInterval int // measured in simulator ticks, see the ServerAuthoritative doc
	InputDelayFrames       int
	TotalEpisodes          int
	RecordToExportSink     bool
}

// ExportRecorder receives per-episode data dumps. ExportSink implements
// this; the byte format is opaque to the runtime (spec.md §4.10).
type ExportRecorder interface {
	RecordEpisode(gameID types.GameId, seat int, subjectID types.SubjectId, data []byte)
}

// ServerAuthoritative is the server-owned simulation variant of GameRuntime.
// It runs a fixed-tick loop (grounded in a plain time.Ticker — nothing in
// the example pack supplies a simulation scheduler, and the teacher's own
// closest analogue, time.AfterFunc, is one-shot rather than repeating) and
// is the sole mutator of its environment and tick counter (Rule L2).
//
// state_broadcast_interval is measured in simulator ticks, not wall-clock
// milliseconds: broadcasting every N ticks is deterministic independent of
// scheduler jitter, whereas a wall-clock interval would drift under load.
type ServerAuthoritative struct {
	cfg   ServerAuthoritativeConfig
	env   Environment
	tx    Broadcaster
	seats []types.SubjectId // seat index -> subject, empty string = unfilled

	onTerminated TerminatedHandler
	exportSink   ExportRecorder

	actions chan pendingAction

	mu           sync.Mutex
	latest       map[int]pendingAction
	currentTick  uint64
	episodeIndex int
	stopped      bool
	cancel       chan struct{}
	stopOnce     sync.Once
}

// NewServerAuthoritative constructs the runtime. seats is the game's seat
// assignment in arrival order, matching types.Game.Seats.
func NewServerAuthoritative(cfg ServerAuthoritativeConfig, env Environment, tx Broadcaster, seats []types.SubjectId, exportSink ExportRecorder, onTerminated TerminatedHandler) *ServerAuthoritative {
	bufSize := cfg.InputDelayFrames + 8
	if bufSize < 16 {
		bufSize = 16
	}

	return &ServerAuthoritative{
		cfg:          cfg,
		env:          env,
		tx:           tx,
		seats:        seats,
		onTerminated: onTerminated,
		exportSink:   exportSink,
		actions:      make(chan pendingAction, bufSize),
		latest:       make(map[int]pendingAction),
		cancel:       make(chan struct{}),
	}
}

// Start begins the fixed-tick loop in its own goroutine. It is the single
// writer of env and currentTick (Rule L2).
func (s *ServerAuthoritative) Start() {
	go s.run()
}

// IngestAction enqueues an action for the tick loop to pick up. Enqueue is
// non-blocking: a full channel means the tick loop is behind, and dropping
// a stale action is preferable to blocking the caller's connection
// goroutine past one tick (Rule L2).
func (s *ServerAuthoritative) IngestAction(subjectID types.SubjectId, seat int, inputFrame int, action json.RawMessage) {
	select {
	case s.actions <- pendingAction{seat: seat, inputFrame: inputFrame, data: action}:
	default:
	}
}

// RequestTeardown cancels the tick loop. Safe to call multiple times.
func (s *ServerAuthoritative) RequestTeardown() {
	s.stopOnce.Do(func() {
		close(s.cancel)
	})
}

func (s *ServerAuthoritative) run() {
	ticker := time.NewTicker(clampDuration(s.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-s.cancel:
			return
		case <-ticker.C:
			if s.tick() {
				return
			}
		}
	}
}

// tick runs one simulation step. Returns true if the game has ended and the
// loop should stop.
func (s *ServerAuthoritative) tick() bool {
	s.drainActions()

	actionsBySeat := make(map[int]json.RawMessage, len(s.latest))
	s.mu.Lock()
	s.currentTick++
	for seat, pa := range s.latest {
		if pa.effectiveTick <= s.currentTick {
			actionsBySeat[seat] = pa.data
		}
	}
	tickNum := s.currentTick
	s.mu.Unlock()

	result := s.env.Step(actionsBySeat)

	if tickNum%uint64(broadcastEvery(s.cfg.StateBroadcastInterval)) == 0 || result.EpisodeDone {
		start := time.Now()
		s.tx.Broadcast(s.cfg.RoomId, "state_broadcast", map[string]any{
			"game_id":            s.cfg.GameId,
			"frame":              tickNum,
			"game_state_objects": result.Objects,
			"removed":            result.Removed,
		})
		metrics.BroadcastDuration.WithLabelValues("server_authoritative").Observe(time.Since(start).Seconds())
	}

	if result.EpisodeDone {
		if s.cfg.RecordToExportSink && s.exportSink != nil {
			s.recordEpisode()
		}

		s.mu.Lock()
		s.episodeIndex++
		done := s.cfg.TotalEpisodes > 0 && s.episodeIndex >= s.cfg.TotalEpisodes
		s.mu.Unlock()

		if done {
			s.terminate(types.EndNormal)
			return true
		}
		s.env.Reset()
	}

	return false
}

func (s *ServerAuthoritative) recordEpisode() {
	for seat, subjectID := range s.seats {
		if subjectID == "" {
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"game_id": s.cfg.GameId,
			"episode": s.episodeIndex,
			"seat":    seat,
		})
		if err != nil {
			continue
		}
		s.exportSink.RecordEpisode(s.cfg.GameId, seat, subjectID, payload)
	}
}

func (s *ServerAuthoritative) drainActions() {
	s.mu.Lock()
	currentTick := s.currentTick
	s.mu.Unlock()

	for {
		select {
		case pa := <-s.actions:
			pa.effectiveTick = currentTick + uint64(maxInt(0, inputDelayOf(s)))
			s.mu.Lock()
			if existing, ok := s.latest[pa.seat]; !ok || pa.inputFrame >= existing.inputFrame {
				s.latest[pa.seat] = pa
			}
			s.mu.Unlock()
		default:
			return
		}
	}
}

func inputDelayOf(s *ServerAuthoritative) int { return s.cfg.InputDelayFrames }

func (s *ServerAuthoritative) terminate(reason types.EndReason) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.onTerminated != nil {
		s.onTerminated(reason)
	}
}

func broadcastEvery(interval int) int {
	if interval <= 0 {
		return 1
	}
	return interval
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
