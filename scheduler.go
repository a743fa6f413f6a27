package recargas

import (
	"context"
	"sync"
	"time"
)

// MaintenanceTask is one named periodic job.
type MaintenanceTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Maintenance runs background housekeeping on independent tickers: cooldown
// eviction, account retry sweeps. Each task gets its own goroutine so a slow
// login retry never delays cleanup.
type Maintenance struct {
	tasks  []MaintenanceTask
	logger Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMaintenance(logger Logger) *Maintenance {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Maintenance{logger: logger}
}

// Add registers a task. Tasks with a non-positive interval are ignored.
func (m *Maintenance) Add(name string, interval time.Duration, run func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	m.tasks = append(m.tasks, MaintenanceTask{Name: name, Interval: interval, Run: run})
}

// Start launches all registered tasks. Calling Start twice is a no-op.
func (m *Maintenance) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	for _, task := range m.tasks {
		m.wg.Add(1)
		go m.runTask(ctx, task)
	}
	m.logger.Log("maintenance started: %d task(s)", len(m.tasks))
}

func (m *Maintenance) runTask(ctx context.Context, task MaintenanceTask) {
	defer m.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task.Run(ctx)
		}
	}
}

// Stop cancels all tasks and waits for them to exit.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}
