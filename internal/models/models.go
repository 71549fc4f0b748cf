package models

import "time"

type Status string

const (
	StatusNew       Status = "new"
	StatusConfirmed Status = "confirmed"
	StatusPackaged  Status = "packaged"
	StatusShipped   Status = "shipped"
	StatusCanceled  Status = "canceled"
	StatusBlocked   Status = "blocked"
	StatusHold      Status = "hold"
)

// legacyStatuses maps historical free-text statuses to canonical ones.
var legacyStatuses = map[string]Status{
	"Pending":           StatusNew,
	"Called no respond": StatusNew,
	"Called 01":         StatusNew,
	"Called 02":         StatusNew,
	"Confirmed":         StatusConfirmed,
	"Packaged":          StatusPackaged,
	"Shipped":           StatusShipped,
	"Delivered":         StatusShipped,
	"Cancelled":         StatusCanceled,
	"Retour":            StatusCanceled,
}

// Normalize maps any stored status string to a canonical Status.
// Unknown strings normalize to "new". Every status comparison in the
// codebase goes through this function.
func Normalize(raw string) Status {
	switch Status(raw) {
	case StatusNew, StatusConfirmed, StatusPackaged, StatusShipped,
		StatusCanceled, StatusBlocked, StatusHold:
		return Status(raw)
	}
	if s, ok := legacyStatuses[raw]; ok {
		return s
	}
	return StatusNew
}

type CallOutcome string

const (
	OutcomeAnswered    CallOutcome = "answered"
	OutcomeNoAnswer    CallOutcome = "no_answer"
	OutcomeWrongNumber CallOutcome = "wrong_number"
	OutcomeRefused     CallOutcome = "refused"
)

func (o CallOutcome) Valid() bool {
	switch o {
	case OutcomeAnswered, OutcomeNoAnswer, OutcomeWrongNumber, OutcomeRefused:
		return true
	}
	return false
}

type CallLogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Outcome   CallOutcome `json:"outcome"`
	Note      string      `json:"note,omitempty"`
}

type StatusHistoryEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

type Order struct {
	ID              string               `json:"id"`
	Phone           string               `json:"phone"`
	CustomerName    string               `json:"customer_name,omitempty"`
	Address         string               `json:"address,omitempty"`
	Status          string               `json:"status"`
	CallAttempts    int                  `json:"call_attempts"`
	AttemptsResetAt time.Time            `json:"attempts_reset_at,omitempty"`
	CallLog         []CallLogEntry       `json:"call_log,omitempty"`
	FraudScore      int                  `json:"fraud_score"`
	IsBanned        bool                 `json:"is_banned"`
	StatusHistory   []StatusHistoryEntry `json:"status_history,omitempty"`
	TotalAmount     float64              `json:"total_amount"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Normalized returns the canonical status of the order.
func (o *Order) Normalized() Status {
	return Normalize(o.Status)
}

// DerivedAttempts counts no-answer entries logged since the last attempt
// reset. The stored CallAttempts column is a denormalized copy of this
// value; decisions are always made from the derived count.
func (o *Order) DerivedAttempts() int {
	n := 0
	for _, e := range o.CallLog {
		if e.Outcome != OutcomeNoAnswer {
			continue
		}
		if !o.AttemptsResetAt.IsZero() && !e.Timestamp.After(o.AttemptsResetAt) {
			continue
		}
		n++
	}
	return n
}

// HasAnswered reports whether any answered call exists in the log.
// An answered call permanently disables no-answer escalation.
func (o *Order) HasAnswered() bool {
	for _, e := range o.CallLog {
		if e.Outcome == OutcomeAnswered {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the order sits in the blacklist grouping.
// Terminal orders are excluded from the active board but still restorable.
func (o *Order) IsTerminal() bool {
	s := o.Normalized()
	return s == StatusCanceled || s == StatusBlocked
}

type RiskLevel string

const (
	RiskSafe    RiskLevel = "safe"
	RiskCaution RiskLevel = "caution"
	RiskHigh    RiskLevel = "high_risk"
)

// RiskLevelFor buckets a fraud score for display. The score itself is
// computed by the persistence layer, never here.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score <= 0:
		return RiskSafe
	case score <= 2:
		return RiskCaution
	default:
		return RiskHigh
	}
}
