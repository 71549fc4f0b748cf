package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gitlab.ozon.dev/qwestard/console/internal/bulk"
	"gitlab.ozon.dev/qwestard/console/internal/cache"
	"gitlab.ozon.dev/qwestard/console/internal/escalation"
	"gitlab.ozon.dev/qwestard/console/internal/models"
	"gitlab.ozon.dev/qwestard/console/internal/optimistic"
	"gitlab.ozon.dev/qwestard/console/internal/repository"
	"gitlab.ozon.dev/qwestard/console/internal/status"
)

type fakeRepo struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	banned map[string]bool
	notes  map[string][]string

	updateErr error
	callErr   error
	resetErr  error
	banErr    error
	bulkErr   error

	updateCalls int
	now         func() time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders: make(map[string]*models.Order),
		banned: make(map[string]bool),
		notes:  make(map[string][]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *fakeRepo) add(o *models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.orders[o.ID] = &cp
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	cp.CallLog = append([]models.CallLogEntry(nil), o.CallLog...)
	return &cp, nil
}

func (r *fakeRepo) List(_ context.Context, f repository.ListFilter) ([]*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*models.Order
	for _, o := range r.orders {
		switch f.Group {
		case repository.GroupActive:
			if o.IsTerminal() {
				continue
			}
		case repository.GroupBlacklist:
			if !o.IsTerminal() {
				continue
			}
		}
		cp := *o
		res = append(res, &cp)
	}
	return res, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id string, next models.Status, reason string) (*models.Order, error) {
	r.mu.Lock()
	r.updateCalls++
	if r.updateErr != nil {
		err := r.updateErr
		r.mu.Unlock()
		return nil, err
	}
	o, ok := r.orders[id]
	if !ok {
		r.mu.Unlock()
		return nil, repository.ErrNotFound
	}
	from := o.Normalized()
	if !status.IsTransitionAllowed(from, next, status.ViaManual) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", repository.ErrTransitionRejected, from, next)
	}
	o.Status = string(next)
	o.StatusHistory = append(o.StatusHistory, models.StatusHistoryEntry{
		Status: next, Timestamp: r.now(), Reason: reason,
	})
	r.mu.Unlock()
	return r.GetByID(ctx, id)
}

func (r *fakeRepo) LogCallOutcome(_ context.Context, id string, outcome models.CallOutcome, note string) (repository.CallResult, error) {
	var res repository.CallResult
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callErr != nil {
		return res, r.callErr
	}
	o, ok := r.orders[id]
	if !ok {
		return res, repository.ErrNotFound
	}
	o.CallLog = append(o.CallLog, models.CallLogEntry{
		Timestamp: r.now(), Outcome: outcome, Note: note,
	})
	o.CallAttempts = o.DerivedAttempts()

	switch outcome {
	case models.OutcomeNoAnswer:
		if o.CallAttempts == escalation.NoAnswerThreshold && !o.HasAnswered() {
			o.Status = string(models.StatusCanceled)
			res.AutoCanceled = true
			res.CancelReason = escalation.AutoCancelReason
		}
	case models.OutcomeWrongNumber:
		o.Status = string(models.StatusHold)
		res.WrongNumber = true
	}
	return res, nil
}

func (r *fakeRepo) ResetCallAttempts(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resetErr != nil {
		return r.resetErr
	}
	o, ok := r.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	o.CallAttempts = 0
	o.AttemptsResetAt = r.now()
	return nil
}

func (r *fakeRepo) BanCustomer(_ context.Context, phone string, isBanned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.banErr != nil {
		return r.banErr
	}
	r.banned[phone] = isBanned
	return nil
}

func (r *fakeRepo) AddNote(_ context.Context, id, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[id] = append(r.notes[id], text)
	return nil
}

func (r *fakeRepo) BulkUpdateStatus(ctx context.Context, ids []string, intent bulk.Intent, reason string) (bulk.Result, error) {
	var res bulk.Result
	if r.bulkErr != nil {
		return res, r.bulkErr
	}
	for _, id := range ids {
		o, err := r.GetByID(ctx, id)
		if err != nil {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, id)
			continue
		}
		if !bulk.Eligible(o, intent) {
			res.Skipped++
			continue
		}
		if _, err := r.UpdateStatus(ctx, id, intent.Target(), reason); err != nil {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, id)
			continue
		}
		res.Success++
	}
	return res, nil
}

func newTestService(repo *fakeRepo, opts ...Option) *OrderService {
	engine := optimistic.NewEngine(nil)
	return NewOrderService(repo, engine, cache.NewActiveOrdersCache(), opts...)
}

func TestChangeStatusCommit(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	svc := newTestService(repo)

	o, outcome, err := svc.ChangeStatus(context.Background(), "o1", models.StatusConfirmed, "customer reached", status.ViaManual)
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.Equal(t, "confirmed", o.Status)

	cached, err := svc.GetOrder(context.Background(), "o1")
	assert.NoError(t, err)
	assert.Equal(t, "confirmed", cached.Status)
}

func TestChangeStatusRejectedLocally(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	svc := newTestService(repo)

	_, _, err := svc.ChangeStatus(context.Background(), "o1", models.StatusShipped, "", status.ViaManual)
	assert.True(t, errors.Is(err, status.ErrTransitionNotAllowed))
	// Rejected before any remote call.
	assert.Equal(t, 0, repo.updateCalls)
}

func TestChangeStatusConfirmGatedWhenUnreachable(t *testing.T) {
	repo := newFakeRepo()
	ts := time.Now().UTC()
	repo.add(&models.Order{ID: "o1", Status: "new", CallLog: []models.CallLogEntry{
		{Timestamp: ts, Outcome: models.OutcomeNoAnswer},
		{Timestamp: ts.Add(time.Minute), Outcome: models.OutcomeNoAnswer},
	}})
	svc := newTestService(repo)

	_, _, err := svc.ChangeStatus(context.Background(), "o1", models.StatusConfirmed, "", status.ViaManual)
	assert.True(t, errors.Is(err, status.ErrTransitionNotAllowed))

	actions, err := svc.AvailableActions(context.Background(), "o1")
	assert.NoError(t, err)
	assert.NotContains(t, actions, models.StatusConfirmed)
}

func TestChangeStatusRollbackOnRemoteFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	repo.updateErr = errors.New("connection reset")
	svc := newTestService(repo)

	o, outcome, err := svc.ChangeStatus(context.Background(), "o1", models.StatusConfirmed, "", status.ViaManual)
	assert.NoError(t, err)
	assert.Nil(t, o)
	assert.True(t, outcome.RolledBack)
	assert.True(t, outcome.CanRetry())

	// Retry re-runs the identical mutation and commits once the fault clears.
	repo.updateErr = nil
	out2 := outcome.Retry(context.Background())
	assert.True(t, out2.Committed)
	fresh, _ := repo.GetByID(context.Background(), "o1")
	assert.Equal(t, "confirmed", fresh.Status)
}

func TestDropToHoldRejected(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	svc := newTestService(repo)

	_, _, err := svc.DropTo(context.Background(), "o1", models.StatusHold)
	assert.True(t, errors.Is(err, status.ErrTransitionNotAllowed))
}

func TestLogCallAutoCancelAndUndo(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	repo.now = clock
	svc := newTestService(repo, WithClock(clock))

	res, outcome, err := svc.LogCall(context.Background(), "o1", models.OutcomeNoAnswer, "")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.False(t, res.Call.AutoCanceled)

	current = current.Add(time.Minute)
	res, outcome, err = svc.LogCall(context.Background(), "o1", models.OutcomeNoAnswer, "")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.True(t, res.Call.AutoCanceled)
	assert.Equal(t, escalation.AutoCancelReason, res.Call.CancelReason)
	assert.Equal(t, "canceled", res.Order.Status)
	assert.Equal(t, current.Add(escalation.UndoWindow), res.UndoUntil)

	// Undo within the window restores new with a clean counter.
	current = current.Add(5 * time.Second)
	restored, outcome, err := svc.UndoAutoCancel(context.Background(), "o1")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.Equal(t, "new", restored.Status)
	assert.Equal(t, 0, restored.DerivedAttempts())

	// Single shot: a second undo has nothing to act on.
	_, _, err = svc.UndoAutoCancel(context.Background(), "o1")
	assert.True(t, errors.Is(err, ErrNothingToUndo))
}

func TestUndoWindowClosed(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	repo.now = clock
	svc := newTestService(repo, WithClock(clock))

	svc.LogCall(context.Background(), "o1", models.OutcomeNoAnswer, "")
	current = current.Add(time.Minute)
	res, _, err := svc.LogCall(context.Background(), "o1", models.OutcomeNoAnswer, "")
	assert.NoError(t, err)
	assert.True(t, res.Call.AutoCanceled)

	current = current.Add(escalation.UndoWindow + time.Second)
	_, _, err = svc.UndoAutoCancel(context.Background(), "o1")
	assert.True(t, errors.Is(err, ErrUndoWindowClosed))

	// The expired undo is consumed; the order stays canceled.
	o, _ := repo.GetByID(context.Background(), "o1")
	assert.Equal(t, "canceled", o.Status)
}

func TestLogCallAnsweredDisablesAutoCancel(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	svc := newTestService(repo)

	svc.LogCall(context.Background(), "o1", models.OutcomeNoAnswer, "")
	svc.LogCall(context.Background(), "o1", models.OutcomeAnswered, "will pick up tomorrow")
	res, outcome, err := svc.LogCall(context.Background(), "o1", models.OutcomeNoAnswer, "")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.False(t, res.Call.AutoCanceled)
	assert.NotEqual(t, "canceled", res.Order.Status)
}

func TestLogCallWrongNumberHolds(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	svc := newTestService(repo)

	res, outcome, err := svc.LogCall(context.Background(), "o1", models.OutcomeWrongNumber, "digits transposed")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.True(t, res.Call.WrongNumber)
	assert.Equal(t, "hold", res.Order.Status)

	// Resume is the only way out of hold.
	resumed, outcome, err := svc.Resume(context.Background(), "o1")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.Equal(t, "new", resumed.Status)
}

func TestLogCallInvalidOutcome(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	svc := newTestService(repo)

	_, _, err := svc.LogCall(context.Background(), "o1", models.CallOutcome("busy"), "")
	assert.Error(t, err)
}

func TestToggleBan(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	outcome, err := svc.ToggleBan(context.Background(), "+33612345678", true)
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.True(t, repo.banned["+33612345678"])

	outcome, err = svc.ToggleBan(context.Background(), "+33612345678", false)
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.False(t, repo.banned["+33612345678"])

	_, err = svc.ToggleBan(context.Background(), "", true)
	assert.Error(t, err)
}

func TestBulkApplyClassification(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	repo.add(&models.Order{ID: "o2", Status: "canceled"})
	repo.add(&models.Order{ID: "o3", Status: "new"})
	repo.add(&models.Order{ID: "o4", Status: "canceled"})
	repo.add(&models.Order{ID: "o5", Status: "new"})
	svc := newTestService(repo)

	for _, id := range []string{"o1", "o2", "o3", "o4", "o5"} {
		svc.Select(id)
	}

	result, outcome, err := svc.BulkApply(context.Background(), bulk.IntentConfirm, "bulk confirm")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.Equal(t, 3, result.Success)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, "3 succeeded, 2 skipped", result.Summary())

	// Selection cleared only after a successful settle.
	assert.Empty(t, svc.Selection())
}

func TestBulkApplyFailureKeepsSelection(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	repo.add(&models.Order{ID: "o2", Status: "new"})
	repo.bulkErr = errors.New("backend unavailable")
	svc := newTestService(repo)

	svc.Select("o1")
	svc.Select("o2")

	_, outcome, err := svc.BulkApply(context.Background(), bulk.IntentConfirm, "")
	assert.NoError(t, err)
	assert.True(t, outcome.RolledBack)
	assert.True(t, outcome.CanRetry())
	assert.Len(t, svc.Selection(), 2)

	// Retry re-runs the identical id set and clears the selection on commit.
	repo.bulkErr = nil
	out2 := outcome.Retry(context.Background())
	assert.True(t, out2.Committed)
	assert.Empty(t, svc.Selection())
}

func TestBulkApplyEmptySelection(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	result, outcome, err := svc.BulkApply(context.Background(), bulk.IntentCancel, "")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.Equal(t, "nothing to do", result.Summary())
}

func TestBulkApplyInvalidIntent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	_, _, err := svc.BulkApply(context.Background(), bulk.Intent("ship"), "")
	assert.Error(t, err)
}

func TestRestoreFromBlacklist(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "blocked"})
	svc := newTestService(repo)

	o, outcome, err := svc.Restore(context.Background(), "o1")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.Equal(t, "new", o.Status)
}

func TestAddNote(t *testing.T) {
	repo := newFakeRepo()
	repo.add(&models.Order{ID: "o1", Status: "new"})
	svc := newTestService(repo)

	outcome, err := svc.AddNote(context.Background(), "o1", "asked to deliver after 18:00")
	assert.NoError(t, err)
	assert.True(t, outcome.Committed)
	assert.Equal(t, []string{"asked to deliver after 18:00"}, repo.notes["o1"])

	_, err = svc.AddNote(context.Background(), "o1", "")
	assert.Error(t, err)
}
