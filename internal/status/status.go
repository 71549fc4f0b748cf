package status

import (
	"errors"
	"fmt"

	"gitlab.ozon.dev/qwestard/console/internal/models"
)

// Via distinguishes the two mutation paths. The drag table is a strict
// subset of the manual table.
type Via string

const (
	ViaManual Via = "manual"
	ViaDrag   Via = "drag"
)

// ErrTransitionNotAllowed marks a status move rejected locally. It is a
// warning, not a fatal error: no remote call is made and the order is left
// unchanged.
var ErrTransitionNotAllowed = errors.New("transition not allowed")

// manual lists every transition reachable from the status action bar.
// hold is escaped only via resume-as-new; canceled and blocked only via
// restore.
var manual = map[models.Status]map[models.Status]bool{
	models.StatusNew:       {models.StatusConfirmed: true, models.StatusCanceled: true},
	models.StatusConfirmed: {models.StatusPackaged: true, models.StatusCanceled: true},
	models.StatusPackaged:  {models.StatusShipped: true},
	models.StatusShipped:   {models.StatusCanceled: true},
	models.StatusHold:      {models.StatusNew: true},
	models.StatusCanceled:  {models.StatusNew: true},
	models.StatusBlocked:   {models.StatusNew: true},
}

// drag lists the forward-biased moves available on the board. Dropping
// onto hold is never legal: hold is entered only via a wrong-number call.
var drag = map[models.Status]map[models.Status]bool{
	models.StatusNew:       {models.StatusConfirmed: true},
	models.StatusConfirmed: {models.StatusPackaged: true, models.StatusNew: true},
	models.StatusPackaged:  {models.StatusShipped: true, models.StatusConfirmed: true},
	models.StatusShipped:   {},
	models.StatusHold:      {models.StatusNew: true},
	models.StatusCanceled:  {},
	models.StatusBlocked:   {},
}

// IsTransitionAllowed is the single transition-table lookup. Every call
// site, manual or drag, client or repository side, consults this function.
func IsTransitionAllowed(from, to models.Status, via Via) bool {
	var table map[models.Status]map[models.Status]bool
	switch via {
	case ViaDrag:
		table = drag
	default:
		table = manual
	}
	next := table[from]
	return next != nil && next[to]
}

// AllowedFrom returns the manual targets reachable from the given status,
// in pipeline order. Used to build the status action bar.
func AllowedFrom(from models.Status) []models.Status {
	order := []models.Status{
		models.StatusNew, models.StatusConfirmed, models.StatusPackaged,
		models.StatusShipped, models.StatusHold, models.StatusCanceled,
		models.StatusBlocked,
	}
	var out []models.Status
	for _, to := range order {
		if manual[from][to] {
			out = append(out, to)
		}
	}
	return out
}

// ResolveDrop validates a drag-and-drop move for the order's current
// normalized status. A rejected drop returns a descriptive warning
// wrapping ErrTransitionNotAllowed; the order is left unchanged.
func ResolveDrop(o *models.Order, target models.Status) error {
	if target == models.StatusHold {
		return fmt.Errorf("%w: hold is entered only via a wrong-number call outcome", ErrTransitionNotAllowed)
	}
	from := o.Normalized()
	if !IsTransitionAllowed(from, target, ViaDrag) {
		return fmt.Errorf("%w: cannot drag order %s from %s to %s", ErrTransitionNotAllowed, o.ID, from, target)
	}
	return nil
}
