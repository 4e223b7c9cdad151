// Package stats samples the render backend while a round runs and keeps
// lifetime totals across rounds.
package stats

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/render-bridge/bridge/internal/logx"
)

// ProgressSource is a backend that can report round progress directly.
type ProgressSource interface {
	Progress() (int, bool)
}

// Sample is one poll of the backend process.
type Sample struct {
	At         time.Time `json:"at"`
	Progress   int       `json:"progress"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Threads    int32     `json:"threads"`
}

// Payload is the stats view handed to displays.
type Payload struct {
	Connected bool          `json:"connected"`
	Progress  int           `json:"progress"`
	Elapsed   time.Duration `json:"elapsed"`
	Updates   int           `json:"updates"`
	Latest    *Sample       `json:"latest,omitempty"`
	History   []Sample      `json:"history,omitempty"`
}

// Manager polls process metrics for the backend and tracks progress. When
// connected to a ProgressSource it is the authority on progress and the
// controller ignores progress events.
type Manager struct {
	mu       sync.Mutex
	proc     *process.Process
	source   ProgressSource
	progress int
	history  []Sample
	limit    int
	updates  int
	started  time.Time
}

// NewManager samples the process with the given pid. A pid that cannot be
// opened leaves process metrics empty; progress tracking still works.
func NewManager(pid int32, historySize int) *Manager {
	if historySize <= 0 {
		historySize = 120
	}
	m := &Manager{limit: historySize}
	if pid > 0 {
		p, err := process.NewProcess(pid)
		if err != nil {
			logx.Logger().Debug("stats: cannot open backend process", "pid", pid, "error", err)
		} else {
			m.proc = p
		}
	}
	return m
}

// Connect makes src the progress authority. Passing nil disconnects.
func (m *Manager) Connect(src ProgressSource) {
	m.mu.Lock()
	m.source = src
	m.mu.Unlock()
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source != nil
}

// UpdatePayloads takes one sample. It is called from the stats poll loop
// and must stay cheap.
func (m *Manager) UpdatePayloads() {
	m.mu.Lock()
	src := m.source
	proc := m.proc
	if m.started.IsZero() {
		m.started = time.Now()
	}
	m.mu.Unlock()

	s := Sample{At: time.Now()}
	if proc != nil {
		if cpu, err := proc.Percent(0); err == nil {
			s.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			s.RSSBytes = mem.RSS
		}
		if n, err := proc.NumThreads(); err == nil {
			s.Threads = n
		}
	}

	var (
		p  int
		ok bool
	)
	if src != nil {
		p, ok = src.Progress()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.progress = clampProgress(p)
	}
	s.Progress = m.progress
	m.history = append(m.history, s)
	if over := len(m.history) - m.limit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.updates++
}

func (m *Manager) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

func (m *Manager) SetProgress(p int) {
	m.mu.Lock()
	m.progress = clampProgress(p)
	m.mu.Unlock()
}

// Reset clears per-round state. The progress source stays connected.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = 0
	m.history = nil
	m.updates = 0
	m.started = time.Time{}
}

func (m *Manager) Payload() Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Payload{
		Connected: m.source != nil,
		Progress:  m.progress,
		Updates:   m.updates,
		History:   append([]Sample(nil), m.history...),
	}
	if !m.started.IsZero() {
		p.Elapsed = time.Since(m.started)
	}
	if n := len(m.history); n > 0 {
		last := m.history[n-1]
		p.Latest = &last
	}
	return p
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}
