package ops

import "sync"

// MaintenanceState is the explicitly owned maintenance flag. It is injected
// into the components that read it; there is no ambient global. While
// enabled, the planner skips cycles so no new polling work is produced;
// in-flight jobs drain normally.
type MaintenanceState struct {
	mu      sync.RWMutex
	enabled bool
	reason  string
}

func NewMaintenanceState() *MaintenanceState {
	return &MaintenanceState{}
}

func (m *MaintenanceState) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *MaintenanceState) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

func (m *MaintenanceState) Set(enabled bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	m.reason = reason
}
