// Package tracer classifies executed SQL statements and correlates them with
// the agent interactions that most likely caused them.
package tracer

import "time"

// Statement is one executed statement as reported by a statement source.
type Statement struct {
	Text       string    `json:"text"`
	ExecutedAt time.Time `json:"executed_at"`

	QueryID         int64     `json:"query_id,omitempty"`
	FirstExecutedAt time.Time `json:"first_executed_at,omitzero"`
	ExecutionCount  int64     `json:"execution_count"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	LastDurationMs  float64   `json:"last_duration_ms"`
	CPUMs           float64   `json:"cpu_ms"`
	LogicalReads    int64     `json:"logical_reads"`
	Rows            int64     `json:"rows"`
}

// Duration returns the last observed duration, falling back to the average
// when the source does not report a last value.
func (s Statement) Duration() float64 {
	if s.LastDurationMs != 0 {
		return s.LastDurationMs
	}
	return s.AvgDurationMs
}

// Interaction is one natural-language round trip with the agent.
// Start must not be after End.
type Interaction struct {
	Index    int       `json:"index"`
	Prompt   string    `json:"query"`
	Response string    `json:"response,omitempty"`
	Start    time.Time `json:"start_utc"`
	End      time.Time `json:"end_utc"`
	RunID    string    `json:"run_id,omitempty"`
}

// Group holds the statements claimed by a single interaction.
type Group struct {
	Interaction Interaction `json:"interaction"`
	Statements  []Statement `json:"statements"`
}

// Result is the output of Correlate. Every input statement appears exactly
// once, either in one of the groups or in Unmatched.
type Result struct {
	Groups    []Group     `json:"groups"`
	Unmatched []Statement `json:"unmatched"`
}
