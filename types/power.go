package types

// ---- Sleep / resume (non-retained events) ----

// SleepEvent mirrors logind's PrepareForSleep: GoingToSleep is true on the
// suspend edge and false on the wake edge.
type SleepEvent struct {
	GoingToSleep bool  `json:"going_to_sleep"`
	TS           int64 `json:"ts_ms"`
}

// ---- RGB apply state (retained) ----

type ApplyLevel string

const (
	ApplyIdle    ApplyLevel = "idle"
	ApplyRunning ApplyLevel = "running"
	ApplyStopped ApplyLevel = "stopped"
)

type ApplyState struct {
	Level   ApplyLevel `json:"level"`
	RunID   string     `json:"run_id,omitempty"`
	Command Command    `json:"command"`
	Slots   int        `json:"slots"`
	Error   string     `json:"error,omitempty"` // errcode of the last failed run
	TS      int64      `json:"ts_ms"`
}
