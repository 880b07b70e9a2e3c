package model

// Agent is a dimension row keyed by phone extension. Rows are created on
// first sight with placeholder details and rostered=false; roster loads
// fill in real names and flip the flag.
type Agent struct {
	Extension string `json:"extension"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Rostered  bool   `json:"rostered"`
}

// Criterion is a dimension row keyed by its unique name.
type Criterion struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Weight   float64 `json:"weight"`
}

// DefaultCriterionCategory and DefaultCriterionWeight are applied when a
// criterion is first created from a report.
const (
	DefaultCriterionCategory = "general"
	DefaultCriterionWeight   = 1.0
)
