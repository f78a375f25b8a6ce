package lifecycle

import (
	"sync"
	"time"
)

// State mirrors the service-worker registration states.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Record 记录 worker 当前所处阶段，供诊断端和日志使用。
type Record struct {
	Version   string    `json:"version"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Tracker 保存单个 worker 的状态流转，读多写少。
type Tracker struct {
	mu      sync.RWMutex
	current Record
	now     func() time.Time
}

// NewTracker 以 parsed 状态创建 Tracker。
func NewTracker(version string) *Tracker {
	t := &Tracker{now: time.Now}
	t.current = Record{
		Version:   version,
		State:     StateParsed,
		UpdatedAt: t.now().UTC(),
	}
	return t
}

// Transition 切换到 state；err 非空时记录错误原因，成功切换会清空旧错误。
func (t *Tracker) Transition(state State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.State = state
	t.current.UpdatedAt = t.now().UTC()
	t.current.LastError = ""
	if err != nil {
		t.current.LastError = err.Error()
	}
}

// Current 返回当前状态快照。
func (t *Tracker) Current() Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Is 判断当前是否处于任一给定状态。
func (t *Tracker) Is(states ...State) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, state := range states {
		if t.current.State == state {
			return true
		}
	}
	return false
}
