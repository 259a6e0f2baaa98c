package gameruntime

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerAuthoritative_BroadcastsOnEpisodeEnd(t *testing.T) {
	tx := &fakeBroadcaster{}
	env := &fakeEnvironment{episodeLen: 2}

	var terminated int32
	var reason types.EndReason
	var mu sync.Mutex
	done := make(chan struct{})

	rt := NewServerAuthoritative(
		ServerAuthoritativeConfig{
			GameId:                 "g1",
			RoomId:                 "room-g1",
			FPS:                    200,
			StateBroadcastInterval: 100,
			TotalEpisodes:          1,
		},
		env, tx, []types.SubjectId{"a", "b"}, nil,
		func(r types.EndReason) {
			mu.Lock()
			reason = r
			mu.Unlock()
			atomic.StoreInt32(&terminated, 1)
			close(done)
		},
	)

	rt.Start()
	defer rt.RequestTeardown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never terminated")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&terminated))
	mu.Lock()
	assert.Equal(t, types.EndNormal, reason)
	mu.Unlock()
	assert.GreaterOrEqual(t, tx.broadcastCount(), 1)
}

func TestServerAuthoritative_RecordsExportOnEpisodeEnd(t *testing.T) {
	tx := &fakeBroadcaster{}
	env := &fakeEnvironment{episodeLen: 1}
	sink := &fakeExportSink{}
	done := make(chan struct{})

	rt := NewServerAuthoritative(
		ServerAuthoritativeConfig{
			GameId:                 "g1",
			RoomId:                 "room-g1",
			FPS:                    200,
			StateBroadcastInterval: 1,
			TotalEpisodes:          1,
			RecordToExportSink:     true,
		},
		env, tx, []types.SubjectId{"a", "b"}, sink,
		func(types.EndReason) { close(done) },
	)

	rt.Start()
	defer rt.RequestTeardown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never terminated")
	}

	assert.Equal(t, 2, sink.count())
}

func TestServerAuthoritative_ResetsBetweenEpisodes(t *testing.T) {
	tx := &fakeBroadcaster{}
	env := &fakeEnvironment{episodeLen: 1}
	done := make(chan struct{})

	rt := NewServerAuthoritative(
		ServerAuthoritativeConfig{
			GameId:                 "g1",
			RoomId:                 "room-g1",
			FPS:                    200,
			StateBroadcastInterval: 1,
			TotalEpisodes:          3,
		},
		env, tx, []types.SubjectId{"a"}, nil,
		func(types.EndReason) { close(done) },
	)

	rt.Start()
	defer rt.RequestTeardown()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("runtime never terminated")
	}

	require.GreaterOrEqual(t, env.stepCount(), 3)
	assert.GreaterOrEqual(t, env.resetCount(), 2)
}

func TestServerAuthoritative_IngestActionDoesNotBlock(t *testing.T) {
	tx := &fakeBroadcaster{}
	env := &fakeEnvironment{}

	rt := NewServerAuthoritative(
		ServerAuthoritativeConfig{GameId: "g1", RoomId: "room-g1", FPS: 30, StateBroadcastInterval: 1000},
		env, tx, []types.SubjectId{"a"}, nil, nil,
	)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			rt.IngestAction("a", 0, i, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("IngestAction blocked")
	}
}

func TestServerAuthoritative_RequestTeardownStopsLoop(t *testing.T) {
	tx := &fakeBroadcaster{}
	env := &fakeEnvironment{}

	rt := NewServerAuthoritative(
		ServerAuthoritativeConfig{GameId: "g1", RoomId: "room-g1", FPS: 200, StateBroadcastInterval: 1},
		env, tx, []types.SubjectId{"a"}, nil, nil,
	)

	rt.Start()
	time.Sleep(20 * time.Millisecond)
	rt.RequestTeardown()

	stepsAtStop := env.stepCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stepsAtStop, env.stepCount())
}
