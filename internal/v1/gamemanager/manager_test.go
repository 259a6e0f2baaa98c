package gamemanager

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/openlab-research/experiment-engine/internal/v1/gameruntime"
	"github.com/openlab-research/experiment-engine/internal/v1/matchmaker"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendCall struct {
	connID types.ConnectionId
	event  string
	payload any
}

type fakeTransport struct {
	mu        sync.Mutex
	sends     []sendCall
	joins     map[types.ConnectionId]string
	broadcasts []sendCall
	closed    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{joins: make(map[types.ConnectionId]string)}
}

func (f *fakeTransport) Send(connID types.ConnectionId, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{connID, event, payload})
	return nil
}

func (f *fakeTransport) Broadcast(roomID string, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, sendCall{connID: types.ConnectionId(roomID), event: event, payload: payload})
}

func (f *fakeTransport) JoinRoom(connID types.ConnectionId, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins[connID] = roomID
}

func (f *fakeTransport) LeaveRoom(connID types.ConnectionId, roomID string) {}

func (f *fakeTransport) CloseRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, roomID)
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) hasEvent(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sends {
		if s.event == event {
			return true
		}
	}
	return false
}

type fakeLocator struct {
	mu    sync.Mutex
	conns map[types.SubjectId]types.ConnectionId
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{conns: make(map[types.SubjectId]types.ConnectionId)}
}

func (f *fakeLocator) set(subjectID types.SubjectId, connID types.ConnectionId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[subjectID] = connID
}

func (f *fakeLocator) ConnectionFor(subjectID types.SubjectId) (types.ConnectionId, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[subjectID]
	return c, ok
}

func noRuntimeFactory(*types.Game, gameruntime.TerminatedHandler) gameruntime.Runtime {
	return nil
}

func newTestManager(locator *fakeLocator, tx *fakeTransport) *Manager {
	return New(
		Config{SceneId: "scene-1", GroupSize: 2},
		NewSubjectIndex(),
		matchmaker.FIFO{},
		nil, nil, nil, nil,
		tx, locator, noRuntimeFactory,
	)
}

func TestJoin_FirstSubjectWaits(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	locator.set("a", "conn-a")

	m := newTestManager(locator, tx)
	require.NoError(t, m.Join("a", "conn-a", 10, ""))

	assert.True(t, tx.hasEvent("waiting"))
}

func TestJoin_SecondSubjectTriggersCreateGame(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	locator.set("a", "conn-a")
	locator.set("b", "conn-b")

	m := newTestManager(locator, tx)
	require.NoError(t, m.Join("a", "conn-a", 10, ""))
	require.NoError(t, m.Join("b", "conn-b", 10, ""))

	assert.True(t, tx.hasEvent("start_game"))
	roomA, ok := tx.joins["conn-a"]
	require.True(t, ok)
	roomB, ok := tx.joins["conn-b"]
	require.True(t, ok)
	assert.Equal(t, roomA, roomB)

	gameID, ok := m.index.GameFor("a")
	require.True(t, ok)
	assert.Equal(t, roomA, string(gameID))
}

func TestJoin_RequiredGroupKeySegregatesPools(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	locator.set("a", "conn-a")
	locator.set("b", "conn-b")

	m := newTestManager(locator, tx)
	require.NoError(t, m.Join("a", "conn-a", 10, "group-x"))
	require.NoError(t, m.Join("b", "conn-b", 10, "group-y"))

	assert.False(t, tx.hasEvent("start_game"))
	assert.Equal(t, 2, func() int {
		count := 0
		for _, s := range tx.sends {
			if s.event == "waiting" {
				count++
			}
		}
		return count
	}())
}

func TestCleanupGame_IdempotentDoubleInvocation(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	locator.set("a", "conn-a")
	locator.set("b", "conn-b")

	m := newTestManager(locator, tx)
	require.NoError(t, m.Join("a", "conn-a", 10, ""))
	require.NoError(t, m.Join("b", "conn-b", 10, ""))

	gameID, ok := m.index.GameFor("a")
	require.True(t, ok)

	m.CleanupGame(gameID, types.EndNormal)
	m.CleanupGame(gameID, types.EndNormal)

	assert.Equal(t, 1, len(tx.closed))
	_, stillPresent := m.index.GameFor("a")
	assert.False(t, stillPresent)
}

func TestCleanupGame_DoesNotStompRejoinedSubject(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	locator.set("a", "conn-a")
	locator.set("b", "conn-b")
	locator.set("c", "conn-c")

	m := newTestManager(locator, tx)
	require.NoError(t, m.Join("a", "conn-a", 10, ""))
	require.NoError(t, m.Join("b", "conn-b", 10, ""))

	staleGameID, ok := m.index.GameFor("a")
	require.True(t, ok)

	// "a" has since re-joined a different game; cleaning up the old one
	// must leave that newer mapping in place.
	rejoinedGameID := types.GameId("a-rejoined-game")
	m.index.Set("a", rejoinedGameID, string(rejoinedGameID))
	m.CleanupGame(staleGameID, types.EndNormal)

	gameID, stillThere := m.index.GameFor("a")
	require.True(t, stillThere)
	assert.Equal(t, rejoinedGameID, gameID)
}

type recordingRuntime struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingRuntime) Start() {}
func (r *recordingRuntime) IngestAction(subjectID types.SubjectId, seat int, inputFrame int, action json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, string(subjectID))
}
func (r *recordingRuntime) RequestTeardown() {}

func TestIngestAction_RoutesToCorrectGamesRuntime(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	locator.set("a", "conn-a")
	locator.set("b", "conn-b")

	rt := &recordingRuntime{}
	m := New(
		Config{SceneId: "scene-1", GroupSize: 2},
		NewSubjectIndex(),
		matchmaker.FIFO{},
		nil, nil, nil, nil,
		tx, locator,
		func(*types.Game, gameruntime.TerminatedHandler) gameruntime.Runtime { return rt },
	)
	require.NoError(t, m.Join("a", "conn-a", 10, ""))
	require.NoError(t, m.Join("b", "conn-b", 10, ""))

	gameID, ok := m.index.GameFor("a")
	require.True(t, ok)

	m.IngestAction("a", gameID, 1, []byte(`{"x":1}`))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, []string{"a"}, rt.actions)
}

func TestIngestAction_UnknownGameIsNoop(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	m := newTestManager(locator, tx)

	m.IngestAction("a", "no-such-game", 1, []byte(`{}`))
}

type connectionUpdateRecorder struct {
	recordingRuntime
	mu     sync.Mutex
	seat   int
	connID types.ConnectionId
}

func (r *connectionUpdateRecorder) UpdateConnection(seat int, connID types.ConnectionId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seat = seat
	r.connID = connID
}

func TestResume_ReattachesToRunningGameWithoutRematching(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	locator.set("a", "conn-a")
	locator.set("b", "conn-b")

	rt := &connectionUpdateRecorder{}
	m := New(
		Config{SceneId: "scene-1", GroupSize: 2},
		NewSubjectIndex(),
		matchmaker.FIFO{},
		nil, nil, nil, nil,
		tx, locator,
		func(*types.Game, gameruntime.TerminatedHandler) gameruntime.Runtime { return rt },
	)
	require.NoError(t, m.Join("a", "conn-a", 10, ""))
	require.NoError(t, m.Join("b", "conn-b", 10, ""))

	gameID, ok := m.index.GameFor("a")
	require.True(t, ok)

	ok = m.Resume("a", "conn-a2")
	assert.True(t, ok)

	rt.mu.Lock()
	assert.Equal(t, types.ConnectionId("conn-a2"), rt.connID)
	rt.mu.Unlock()

	assert.Equal(t, string(gameID), tx.joins["conn-a2"])
	stillGameID, stillMapped := m.index.GameFor("a")
	require.True(t, stillMapped)
	assert.Equal(t, gameID, stillGameID)

	var startGameSends int
	for _, s := range tx.sends {
		if s.connID == "conn-a2" && s.event == "start_game" {
			startGameSends++
		}
	}
	assert.Equal(t, 1, startGameSends)
}

func TestResume_ReturnsFalseWhenGameIsGone(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	m := newTestManager(locator, tx)

	assert.False(t, m.Resume("a", "conn-a2"))
}

func TestSelfHealScrubsStaleIndexEntryOnJoin(t *testing.T) {
	tx := newFakeTransport()
	locator := newFakeLocator()
	locator.set("a", "conn-a")

	m := newTestManager(locator, tx)
	m.index.Set("a", "ghost-game", "ghost-room")

	require.NoError(t, m.Join("a", "conn-a", 10, ""))

	gameID, ok := m.index.GameFor("a")
	if ok {
		assert.NotEqual(t, types.GameId("ghost-game"), gameID)
	}
}
