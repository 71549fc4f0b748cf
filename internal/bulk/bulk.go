package bulk

import (
	"fmt"
	"strings"

	"gitlab.ozon.dev/qwestard/console/internal/models"
	"gitlab.ozon.dev/qwestard/console/internal/status"
)

// Intent is the single target operation applied across a selection set.
type Intent string

const (
	IntentConfirm Intent = "confirm"
	IntentCancel  Intent = "cancel"
	IntentUnblock Intent = "unblock"
)

func (i Intent) Valid() bool {
	switch i {
	case IntentConfirm, IntentCancel, IntentUnblock:
		return true
	}
	return false
}

// Target returns the status the intent drives orders toward.
func (i Intent) Target() models.Status {
	switch i {
	case IntentConfirm:
		return models.StatusConfirmed
	case IntentCancel:
		return models.StatusCanceled
	case IntentUnblock:
		return models.StatusNew
	}
	return ""
}

// Result is the first-class partial outcome of a bulk operation. It is
// never collapsed into a boolean.
type Result struct {
	Success int      `json:"success"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

func (r *Result) Add(other Result) {
	r.Success += other.Success
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	r.FailedIDs = append(r.FailedIDs, other.FailedIDs...)
}

// Summary renders the non-zero counts in the fixed order
// success - skipped - failed. Skipped and failed counts are never hidden
// behind a generic success message.
func (r Result) Summary() string {
	var parts []string
	if r.Success > 0 {
		parts = append(parts, fmt.Sprintf("%d succeeded", r.Success))
	}
	if r.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", r.Skipped))
	}
	if r.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", r.Failed))
	}
	if len(parts) == 0 {
		return "nothing to do"
	}
	return strings.Join(parts, ", ")
}

// Eligible reports whether the order can take the intent's transition from
// its current normalized status. Ineligible members of a batch are
// classified skipped, not failed.
func Eligible(o *models.Order, intent Intent) bool {
	return status.IsTransitionAllowed(o.Normalized(), intent.Target(), status.ViaManual)
}

// Classify splits a selection into eligible ids and the skipped count.
// Pure over input state: no network assumptions.
func Classify(orders []*models.Order, intent Intent) (eligible []string, skipped int) {
	for _, o := range orders {
		if Eligible(o, intent) {
			eligible = append(eligible, o.ID)
			continue
		}
		skipped++
	}
	return eligible, skipped
}
