package escalation

import (
	"time"

	"gitlab.ozon.dev/qwestard/console/internal/models"
	"gitlab.ozon.dev/qwestard/console/internal/status"
)

const (
	// NoAnswerThreshold is the attempt count at which an unreachable
	// customer triggers auto-cancel.
	NoAnswerThreshold = 2

	// UndoWindow bounds the single-shot undo after an auto-cancel.
	UndoWindow = 10 * time.Second

	AutoCancelReason = "No answer after 2 attempts"
)

// Decision is the pure result of applying a call outcome to an order.
// Nothing is persisted here; the repository executes the decision
// transactionally and remains the source of truth for whether it lands.
type Decision struct {
	Entry        models.CallLogEntry
	Attempts     int
	NextStatus   models.Status // empty when no transition follows
	AutoCancel   bool
	CancelReason string
	Hold         bool
}

// Apply computes the escalation decision for a call outcome.
//
// A no-answer reaching exactly the threshold, with no answered call on
// record, auto-cancels. A wrong number quarantines the order in hold
// instead. Refused is informational and left for a human decision.
func Apply(o *models.Order, outcome models.CallOutcome, note string) Decision {
	d := Decision{
		Entry: models.CallLogEntry{
			Timestamp: time.Now().UTC(),
			Outcome:   outcome,
			Note:      note,
		},
		Attempts: o.DerivedAttempts(),
	}

	switch outcome {
	case models.OutcomeNoAnswer:
		d.Attempts++
		if d.Attempts == NoAnswerThreshold && !o.HasAnswered() {
			d.AutoCancel = true
			d.CancelReason = AutoCancelReason
			d.NextStatus = models.StatusCanceled
		}
	case models.OutcomeWrongNumber:
		d.Hold = true
		d.NextStatus = models.StatusHold
	}
	return d
}

// AvailableActions returns the manual targets offered for the order.
// Once the no-answer threshold is reached without an answered call,
// confirm is withheld: an unreachable customer cannot be confirmed.
func AvailableActions(o *models.Order) []models.Status {
	targets := status.AllowedFrom(o.Normalized())
	if o.DerivedAttempts() < NoAnswerThreshold || o.HasAnswered() {
		return targets
	}
	out := make([]models.Status, 0, len(targets))
	for _, t := range targets {
		if t == models.StatusConfirmed {
			continue
		}
		out = append(out, t)
	}
	return out
}
