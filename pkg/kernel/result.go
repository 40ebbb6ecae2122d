package kernel

// Status classifies the terminal outcome of one crossing.
type Status string

const (
	// StatusCommitted means the operation executed and its output was
	// released to the caller.
	StatusCommitted Status = "committed"
	// StatusBlocked means a governance gate (approval or output predicate)
	// withheld the outcome. The crossing is audited; blocking is a normal
	// policy result, not a fault.
	StatusBlocked Status = "blocked"
	// StatusFaulted means the crossing ended in an internal or durability
	// failure.
	StatusFaulted Status = "faulted"
)

// Result is the outcome returned by Complete.
type Result struct {
	Status Status
	// Output is the released output snapshot; nil unless Status is
	// StatusCommitted.
	Output map[string]any
	// Reason summarizes blocked and faulted outcomes.
	Reason string
	// Err carries the typed gate error for blocked and faulted outcomes.
	Err error
}
