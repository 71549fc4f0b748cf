package repository

import (
	"context"
	"errors"

	"gitlab.ozon.dev/qwestard/console/internal/bulk"
	"gitlab.ozon.dev/qwestard/console/internal/models"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrTransitionRejected is returned when the persistence layer refuses
	// a status move. Callers treat it as a normal failure path, never a
	// crash: rollback plus a user affordance.
	ErrTransitionRejected = errors.New("transition rejected")
)

// CallResult is the persistence layer's answer to a call-log append.
type CallResult struct {
	AutoCanceled bool   `json:"auto_canceled"`
	CancelReason string `json:"cancel_reason,omitempty"`
	WrongNumber  bool   `json:"wrong_number,omitempty"`
}

type ListFilter struct {
	// Group is "active" (everything outside the blacklist) or "blacklist"
	// (canceled and blocked). Empty means no grouping.
	Group  string
	Phone  string
	Cursor string
	Limit  int64
}

const (
	GroupActive    = "active"
	GroupBlacklist = "blacklist"
)

// Repository is the authoritative store of order documents. Each method is
// transactional per call; the console core holds only transient optimistic
// copies of what lives behind this interface.
type Repository interface {
	GetByID(ctx context.Context, id string) (*models.Order, error)
	List(ctx context.Context, f ListFilter) ([]*models.Order, error)
	UpdateStatus(ctx context.Context, id string, next models.Status, reason string) (*models.Order, error)
	LogCallOutcome(ctx context.Context, id string, outcome models.CallOutcome, note string) (CallResult, error)
	ResetCallAttempts(ctx context.Context, id string) error
	BanCustomer(ctx context.Context, phone string, isBanned bool) error
	AddNote(ctx context.Context, id, text string) error
	BulkUpdateStatus(ctx context.Context, ids []string, intent bulk.Intent, reason string) (bulk.Result, error)
}
