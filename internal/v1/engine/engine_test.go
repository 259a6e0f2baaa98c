package engine

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/openlab-research/experiment-engine/internal/v1/gamemanager"
	"github.com/openlab-research/experiment-engine/internal/v1/gameruntime"
	"github.com/openlab-research/experiment-engine/internal/v1/loadinggate"
	"github.com/openlab-research/experiment-engine/internal/v1/matchmaker"
	"github.com/openlab-research/experiment-engine/internal/v1/scene"
	"github.com/openlab-research/experiment-engine/internal/v1/session"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport satisfies both engine.Transport and gamemanager.Transport
// (and, via ActivateScene, scene.Activator) over a recorded event log.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentEvent
	joined map[types.ConnectionId]string

	onMessage    func(types.ConnectionId, string, json.RawMessage)
	onDisconnect func(types.ConnectionId)
}

type sentEvent struct {
	connID types.ConnectionId
	event  string
	payload any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{joined: make(map[types.ConnectionId]string)}
}

func (f *fakeTransport) Send(connID types.ConnectionId, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{connID, event, payload})
	return nil
}

func (f *fakeTransport) Broadcast(roomID string, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{types.ConnectionId(roomID), event, payload})
}

func (f *fakeTransport) JoinRoom(connID types.ConnectionId, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[connID] = roomID
}

func (f *fakeTransport) LeaveRoom(types.ConnectionId, string) {}
func (f *fakeTransport) CloseRoom(string)                     {}

func (f *fakeTransport) SetHandlers(onMessage func(types.ConnectionId, string, json.RawMessage), onDisconnect func(types.ConnectionId)) {
	f.onMessage = onMessage
	f.onDisconnect = onDisconnect
}

func (f *fakeTransport) ActivateScene(subjectID types.SubjectId, connID types.ConnectionId, sceneID types.SceneId, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{connID, "activate_scene", sceneID})
}

func (f *fakeTransport) hasEventFor(connID types.ConnectionId, event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sent {
		if s.connID == connID && s.event == event {
			return true
		}
	}
	return false
}

func noRuntimeFactory(*types.Game, gameruntime.TerminatedHandler) gameruntime.Runtime {
	return nil
}

// buildTestEngine wires one interactive scene ("game-1") behind a
// gamemanager.Manager, sharing one SubjectIndex, with no probe/pairing/log
// collaborators — mirroring the minimal happy-pair scenario S1.
func buildTestEngine(t *testing.T, tx *fakeTransport) (*Engine, *gamemanager.Manager) {
	t.Helper()
	index := gamemanager.NewSubjectIndex()
	sessions := session.New(0, nil)
	gate := loadinggate.New(60_000)

	mgr := gamemanager.New(
		gamemanager.Config{SceneId: "game-1", GroupSize: 2},
		index,
		matchmaker.FIFO{},
		nil, nil, nil, nil,
		tx, sessions, noRuntimeFactory,
	)

	script := scene.Script{
		{SceneId: "game-1", Kind: scene.KindInteractive},
	}
	stager := scene.New(script, map[types.SceneId]scene.GameJoiner{"game-1": mgr}, tx)

	e := New(Deps{
		Sessions:     sessions,
		Gate:         gate,
		Stager:       stager,
		SubjectIndex: index,
		Managers:     map[types.SceneId]*gamemanager.Manager{"game-1": mgr},
		Transport:    tx,
		ExperimentId: "exp-test",
	})
	return e, mgr
}

func registerAndPass(t *testing.T, e *Engine, tx *fakeTransport, subjectID types.SubjectId, connID types.ConnectionId) {
	t.Helper()
	raw, err := json.Marshal(registerSubjectPayload{SubjectId: subjectID})
	require.NoError(t, err)
	tx.onMessage(connID, "register_subject", raw)

	screenRaw, _ := json.Marshal(screeningResultPayload{Pass: true})
	tx.onMessage(connID, "screening_result", screenRaw)

	runtimeRaw, _ := json.Marshal(runtimeLoadingCompletePayload{Ok: true})
	tx.onMessage(connID, "runtime_loading_complete", runtimeRaw)
}

func TestHappyPair_BothSubjectsReachStartGame(t *testing.T) {
	tx := newFakeTransport()
	e, _ := buildTestEngine(t, tx)

	registerAndPass(t, e, tx, "alice", "conn-a")
	assert.True(t, tx.hasEventFor("conn-a", "activate_scene"))
	assert.True(t, tx.hasEventFor("conn-a", "waiting"))

	registerAndPass(t, e, tx, "bob", "conn-b")
	assert.True(t, tx.hasEventFor("conn-a", "start_game"))
	assert.True(t, tx.hasEventFor("conn-b", "start_game"))
}

func TestDuplicateRegister_SendsExclusion(t *testing.T) {
	tx := newFakeTransport()
	e, _ := buildTestEngine(t, tx)

	registerAndPass(t, e, tx, "alice", "conn-a")

	raw, _ := json.Marshal(registerSubjectPayload{SubjectId: "alice"})
	tx.onMessage("conn-a2", "register_subject", raw)

	assert.True(t, tx.hasEventFor("conn-a2", "exclusion_message"))
}

func TestLoadingGateFailure_SendsExclusionWithoutStartingStager(t *testing.T) {
	tx := newFakeTransport()
	e, _ := buildTestEngine(t, tx)

	raw, _ := json.Marshal(registerSubjectPayload{SubjectId: "alice"})
	tx.onMessage("conn-a", "register_subject", raw)

	screenRaw, _ := json.Marshal(screeningResultPayload{Pass: false})
	tx.onMessage("conn-a", "screening_result", screenRaw)

	runtimeRaw, _ := json.Marshal(runtimeLoadingCompletePayload{Ok: true})
	tx.onMessage("conn-a", "runtime_loading_complete", runtimeRaw)

	assert.True(t, tx.hasEventFor("conn-a", "exclusion_message"))
	assert.False(t, tx.hasEventFor("conn-a", "activate_scene"))
}

func TestDisconnectThenCleanup_ClearsSubjectIndexGame(t *testing.T) {
	tx := newFakeTransport()
	e, _ := buildTestEngine(t, tx)

	registerAndPass(t, e, tx, "alice", "conn-a")
	registerAndPass(t, e, tx, "bob", "conn-b")
	require.True(t, tx.hasEventFor("conn-a", "start_game"))

	tx.onDisconnect("conn-a")
	e.CleanupForSubject("alice")

	_, stillMapped := e.index.GameFor("alice")
	assert.False(t, stillMapped)
}
