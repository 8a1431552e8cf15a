package domain

// Lane is a named column of a project board. The set of lanes is closed.
type Lane string

const (
	LaneTodo       Lane = "todo"
	LaneInProgress Lane = "in-progress"
	LaneDone       Lane = "done"
)

// Lanes lists every board lane in display order.
var Lanes = []Lane{LaneTodo, LaneInProgress, LaneDone}

// ValidLane reports whether the given value names a known board lane.
func ValidLane(l Lane) bool {
	for _, known := range Lanes {
		if l == known {
			return true
		}
	}
	return false
}

// Ticket represents a single board item. OrderIndex establishes the ticket's
// rank inside its current (project, lane) pair and has no meaning outside it.
type Ticket struct {
	ID         string `json:"id"`
	ProjectID  string `json:"projectId"`
	Title      string `json:"title"`
	Notes      string `json:"notes,omitempty"`
	Lane       Lane   `json:"lane"`
	OrderIndex int64  `json:"orderIndex"`
	CreatedAt  int64  `json:"createdAt"`
}
