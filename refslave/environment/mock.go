package environment

import (
	"context"
	"sync"
	"time"
)

// MockEnvironment records calls made to it and returns configured
// results, for use in refslave and slavedriver/filejuggler integration
// tests that need a slave-side Environment without running real commands.
type MockEnvironment struct {
	mu sync.Mutex

	SetupCalled bool
	SetupDir    string
	SetupError  error

	ExecuteCalls  []*ExecCommand
	ExecuteResult *ExecResult
	ExecuteError  error

	CleanupCalled bool
	CleanupError  error

	Base string
}

// NewMockEnvironment returns a mock that succeeds by default.
func NewMockEnvironment() Environment {
	return &MockEnvironment{
		Base:          "/mock/base",
		ExecuteResult: &ExecResult{ExitCode: 0},
	}
}

func init() {
	Register("mock", NewMockEnvironment)
}

func (m *MockEnvironment) Setup(buildDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetupCalled = true
	m.SetupDir = buildDir
	return m.SetupError
}

func (m *MockEnvironment) Execute(ctx context.Context, cmd *ExecCommand) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecuteCalls = append(m.ExecuteCalls, cmd)

	select {
	case <-ctx.Done():
		return &ExecResult{ExitCode: -1}, ctx.Err()
	default:
	}

	if m.ExecuteResult != nil {
		result := *m.ExecuteResult
		return &result, m.ExecuteError
	}
	return &ExecResult{ExitCode: 0}, m.ExecuteError
}

func (m *MockEnvironment) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CleanupCalled = true
	return m.CleanupError
}

func (m *MockEnvironment) BasePath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Base
}

// ExecuteCallCount returns how many times Execute was invoked.
func (m *MockEnvironment) ExecuteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ExecuteCalls)
}

// LastExecuteCall returns the most recent Execute call, or nil.
func (m *MockEnvironment) LastExecuteCall() *ExecCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ExecuteCalls) == 0 {
		return nil
	}
	return m.ExecuteCalls[len(m.ExecuteCalls)-1]
}

// SimulateExecutionTime sleeps to exercise timeout/cancellation paths.
func (m *MockEnvironment) SimulateExecutionTime(d time.Duration) {
	time.Sleep(d)
}
