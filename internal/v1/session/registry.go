// Package session implements SessionRegistry: the process-wide map of
// connected participants, their current scene, and their reconnection
// grace. Grounded on transport.Hub's room-grace-timer idiom (hub.go's
// pendingRoomCleanups/time.AfterFunc), applied here to subjects instead
// of rooms.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/metrics"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// ParticipantSession is spec.md §3's ParticipantSession value.
type ParticipantSession struct {
	SubjectId          types.SubjectId
	CurrentSceneId     types.SceneId
	CurrentConnId      types.ConnectionId // empty while disconnected
	ReconnectDeadline  time.Time          // zero means not in grace
	InLoadingGraceUntil time.Time         // zero means not in loading grace
}

func (s ParticipantSession) disconnected() bool { return s.CurrentConnId == "" }

// CleanupFunc is invoked once grace expires without reconnect, so the
// caller's SceneStager/GameManager wiring can run cleanup_for_subject.
type CleanupFunc func(subjectID types.SubjectId)

// Registry is the SessionRegistry component.
type Registry struct {
	mu                   sync.Mutex
	sessions             map[types.SubjectId]*ParticipantSession
	connectionToSubject  map[types.ConnectionId]types.SubjectId
	pendingGraceTimers   map[types.SubjectId]*time.Timer
	reconnectGracePeriod time.Duration

	onGraceExpired CleanupFunc
}

// New constructs an empty Registry. gracePeriod <= 0 defaults to 30s per
// spec.md §4.6/§5.
func New(gracePeriod time.Duration, onGraceExpired CleanupFunc) *Registry {
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	return &Registry{
		sessions:             make(map[types.SubjectId]*ParticipantSession),
		connectionToSubject:  make(map[types.ConnectionId]types.SubjectId),
		pendingGraceTimers:   make(map[types.SubjectId]*time.Timer),
		reconnectGracePeriod: gracePeriod,
		onGraceExpired:       onGraceExpired,
	}
}

// Register creates or updates a session for subjectID on connID. A
// duplicate register for a subject that is currently connected (or still
// within grace) is rejected; if the prior connection is gone past grace it
// would already have been cleaned up, so this call is free to create a
// fresh one.
func (r *Registry) Register(subjectID types.SubjectId, connID types.ConnectionId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[subjectID]; ok {
		if !existing.disconnected() {
			return fmt.Errorf("session: subject %s already connected", subjectID)
		}
		if time.Now().Before(existing.ReconnectDeadline) {
			return fmt.Errorf("session: subject %s is within reconnection grace", subjectID)
		}
	}

	sess, ok := r.sessions[subjectID]
	if !ok {
		sess = &ParticipantSession{SubjectId: subjectID}
		r.sessions[subjectID] = sess
	}
	sess.CurrentConnId = connID
	sess.ReconnectDeadline = time.Time{}
	r.connectionToSubject[connID] = subjectID

	if timer, ok := r.pendingGraceTimers[subjectID]; ok {
		timer.Stop()
		delete(r.pendingGraceTimers, subjectID)
	}

	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return nil
}

// Disconnect marks connID's session as disconnected and starts the
// reconnection grace timer. It does not destroy the session immediately.
func (r *Registry) Disconnect(connID types.ConnectionId) {
	r.mu.Lock()
	subjectID, ok := r.connectionToSubject[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.connectionToSubject, connID)

	sess, ok := r.sessions[subjectID]
	if !ok || sess.CurrentConnId != connID {
		r.mu.Unlock()
		return
	}
	sess.CurrentConnId = ""
	sess.ReconnectDeadline = time.Now().Add(r.reconnectGracePeriod)

	timer := time.AfterFunc(r.reconnectGracePeriod, func() {
		r.expireGrace(subjectID)
	})
	r.pendingGraceTimers[subjectID] = timer
	r.mu.Unlock()
}

func (r *Registry) expireGrace(subjectID types.SubjectId) {
	r.mu.Lock()
	sess, ok := r.sessions[subjectID]
	if !ok || !sess.disconnected() {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, subjectID)
	delete(r.pendingGraceTimers, subjectID)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	onExpired := r.onGraceExpired
	r.mu.Unlock()

	if onExpired != nil {
		onExpired(subjectID)
	}
}

// Reconnect accepts a new connection for subjectID if its grace has not
// expired, clears the deadline, and returns the session's current scene so
// the caller can re-emit its activation.
func (r *Registry) Reconnect(subjectID types.SubjectId, newConnID types.ConnectionId) (types.SceneId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[subjectID]
	if !ok {
		return "", fmt.Errorf("session: subject %s has no session to reconnect", subjectID)
	}
	if !sess.disconnected() {
		return "", fmt.Errorf("session: subject %s is already connected", subjectID)
	}

	if timer, ok := r.pendingGraceTimers[subjectID]; ok {
		timer.Stop()
		delete(r.pendingGraceTimers, subjectID)
	}

	sess.CurrentConnId = newConnID
	sess.ReconnectDeadline = time.Time{}
	r.connectionToSubject[newConnID] = subjectID

	return sess.CurrentSceneId, nil
}

// SetCurrentScene records the scene a subject's stager has advanced to.
func (r *Registry) SetCurrentScene(subjectID types.SubjectId, sceneID types.SceneId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[subjectID]; ok {
		sess.CurrentSceneId = sceneID
	}
}

// ConnectionFor satisfies gamemanager.SubjectLocator: the subject's current
// connection, if connected.
func (r *Registry) ConnectionFor(subjectID types.SubjectId) (types.ConnectionId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[subjectID]
	if !ok || sess.disconnected() {
		return "", false
	}
	return sess.CurrentConnId, true
}

// SubjectFor resolves the subject owning a connection, used by Transport's
// onMessage dispatch to translate connID-scoped events into subject-scoped
// ones.
func (r *Registry) SubjectFor(connID types.ConnectionId) (types.SubjectId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.connectionToSubject[connID]
	return id, ok
}

// Session returns a copy of a subject's current session state, if any.
func (r *Registry) Session(subjectID types.SubjectId) (ParticipantSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[subjectID]
	if !ok {
		return ParticipantSession{}, false
	}
	return *sess, true
}

// Count returns the number of tracked sessions (connected or in grace).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
