// Package connectivity defines the per-agent network reachability state.
package connectivity

// State is the process-wide reachability state of an agent host.
type State string

const (
	StateUp         State = "up"
	StateDown       State = "down"
	StateRecovering State = "recovering"
)

// Report is the connectivity status an agent surfaces in its heartbeat.
// PersistentDown distinguishes an exhausted redial budget from a transient outage.
type Report string

const (
	ReportUp             Report = "up"
	ReportDown           Report = "down"
	ReportRecovering     Report = "recovering"
	ReportPersistentDown Report = "persistent_down"
)

// Reachable reports whether the agent considers itself online.
// An empty report is treated as up for agents that do not run a detector.
func (r Report) Reachable() bool {
	return r == ReportUp || r == ""
}

// Transition is emitted by the connectivity monitor when the debounced state changes.
type Transition struct {
	From State
	To   State
	// Persistent is set on a Down transition when recovery is not possible
	// (probe-only host or exhausted redial budget).
	Persistent bool
}
