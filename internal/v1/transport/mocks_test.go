package transport

import (
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// mockConnection implements wsConnection for tests that don't need a real
// socket, following the teacher's function-field mock pattern.
type mockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, nil
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	if messageType == 1 { // websocket.TextMessage
		cp := append([]byte(nil), data...)
		m.writes = append(m.writes, cp)
	}
	m.mu.Unlock()
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *mockConnection) SetWriteDeadline(_ time.Time) error { return nil }
func (m *mockConnection) SetReadDeadline(_ time.Time) error  { return nil }
func (m *mockConnection) SetPongHandler(_ func(string) error) {}

func (m *mockConnection) recordedWrites() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// mockValidator implements types.TokenValidator for ServeWs tests.
type mockValidator struct {
	subject types.Subject
	err     error
}

func (m *mockValidator) ValidateToken(_ string) (types.Subject, error) {
	return m.subject, m.err
}
