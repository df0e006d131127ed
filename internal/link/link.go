// Package link records many-to-many associations between domain entities.
// Links are created and dismissed as compensatable workflow steps and are the
// path by which a later request recovers the transaction id of a suspended
// workflow from the entity it is scoped to.
package link

import (
	"errors"
	"time"

	"github.com/craftline/conductor/internal/entity"
)

// ErrNotAssignedToWorkflow reports that an entity graph carries no
// transaction id, so there is nothing to resume.
var ErrNotAssignedToWorkflow = errors.New("entity is not assigned to a workflow")

// Record is one stored association. Dismissal is a soft delete.
type Record struct {
	ID          string     `json:"id"`
	LeftType    string     `json:"left_type"`
	LeftID      string     `json:"left_id"`
	RightType   string     `json:"right_type"`
	RightID     string     `json:"right_id"`
	CreatedAt   time.Time  `json:"created_at"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
}

func (r Record) Left() entity.Ref  { return entity.Ref{Type: r.LeftType, ID: r.LeftID} }
func (r Record) Right() entity.Ref { return entity.Ref{Type: r.RightType, ID: r.RightID} }

// Other returns the end of the link that is not ref, and whether ref touches
// the link at all.
func (r Record) Other(ref entity.Ref) (entity.Ref, bool) {
	switch ref {
	case r.Left():
		return r.Right(), true
	case r.Right():
		return r.Left(), true
	}
	return entity.Ref{}, false
}

// Pair names the two entities to associate.
type Pair struct {
	Left  entity.Ref `json:"left"`
	Right entity.Ref `json:"right"`
}

// Node is one entity in a fetched association graph.
type Node struct {
	Entity   *entity.Entity `json:"entity"`
	Children []*Node        `json:"children,omitempty"`
}
