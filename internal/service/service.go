package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"gitlab.ozon.dev/qwestard/console/internal/audit"
	"gitlab.ozon.dev/qwestard/console/internal/bulk"
	"gitlab.ozon.dev/qwestard/console/internal/cache"
	"gitlab.ozon.dev/qwestard/console/internal/escalation"
	"gitlab.ozon.dev/qwestard/console/internal/models"
	"gitlab.ozon.dev/qwestard/console/internal/optimistic"
	"gitlab.ozon.dev/qwestard/console/internal/repository"
	"gitlab.ozon.dev/qwestard/console/internal/status"
)

var (
	ErrNothingToUndo    = fmt.Errorf("nothing to undo")
	ErrUndoWindowClosed = fmt.Errorf("undo window closed")
)

// OrderService drives the console's mutations through the optimistic
// engine against the repository. It owns the transient state of one
// console session: overlays, retry counters, the bulk selection set and
// pending auto-cancel undo deadlines.
type OrderService struct {
	repo   repository.Repository
	engine *optimistic.Engine
	active *cache.ActiveOrdersCache
	bans   *cache.BanCache
	audit  *audit.WorkerPool
	tasks  repository.TaskRepository

	mu        sync.Mutex
	undo      map[string]time.Time
	selection map[string]struct{}

	now func() time.Time
}

type Option func(*OrderService)

func WithBanCache(c *cache.BanCache) Option {
	return func(s *OrderService) { s.bans = c }
}

func WithAudit(pool *audit.WorkerPool, tasks repository.TaskRepository) Option {
	return func(s *OrderService) {
		s.audit = pool
		s.tasks = tasks
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

func NewOrderService(repo repository.Repository, engine *optimistic.Engine, active *cache.ActiveOrdersCache, opts ...Option) *OrderService {
	s := &OrderService{
		repo:      repo,
		engine:    engine,
		active:    active,
		undo:      make(map[string]time.Time),
		selection: make(map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if o, ok := s.active.Get(id); ok {
		return o, nil
	}
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.active.Put(o)
	return o, nil
}

func (s *OrderService) ListActive(ctx context.Context) ([]*models.Order, error) {
	return s.repo.List(ctx, repository.ListFilter{Group: repository.GroupActive, Limit: 1000})
}

func (s *OrderService) ListBlacklist(ctx context.Context) ([]*models.Order, error) {
	return s.repo.List(ctx, repository.ListFilter{Group: repository.GroupBlacklist, Limit: 1000})
}

// AvailableActions exposes the action bar targets for an order.
func (s *OrderService) AvailableActions(ctx context.Context, id string) ([]models.Status, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return escalation.AvailableActions(o), nil
}

// ChangeStatus runs one status mutation through the optimistic engine.
// Local validation happens first: a move outside the transition table for
// the requested path never reaches the repository.
func (s *OrderService) ChangeStatus(ctx context.Context, id string, target models.Status, reason string, via status.Via) (*models.Order, optimistic.Outcome, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, optimistic.Outcome{}, err
	}
	from := o.Normalized()

	if via == status.ViaDrag {
		if err := status.ResolveDrop(o, target); err != nil {
			return nil, optimistic.Outcome{}, err
		}
	} else if !status.IsTransitionAllowed(from, target, status.ViaManual) {
		return nil, optimistic.Outcome{}, fmt.Errorf("%w: cannot move order %s from %s to %s", status.ErrTransitionNotAllowed, id, from, target)
	}
	if target == models.StatusConfirmed &&
		o.DerivedAttempts() >= escalation.NoAnswerThreshold && !o.HasAnswered() {
		return nil, optimistic.Outcome{}, fmt.Errorf("%w: order %s cannot be confirmed while the customer is unreachable", status.ErrTransitionNotAllowed, id)
	}

	var updated *models.Order
	outcome := s.engine.Do(ctx, optimistic.Mutation{
		Key:        optimistic.Key{Kind: optimistic.KindStatus, TargetID: id},
		Optimistic: target,
		Previous:   from,
		Run: func(ctx context.Context) error {
			var runErr error
			updated, runErr = s.repo.UpdateStatus(ctx, id, target, reason)
			return runErr
		},
		OnSuccess: func() {
			s.active.Put(updated)
			s.auditRecord(audit.Record{
				Timestamp: s.now(),
				OrderID:   id,
				OldStatus: string(from),
				NewStatus: string(target),
				Operation: "update_status",
				Message:   reason,
			})
		},
	})
	if outcome.Committed {
		return updated, outcome, nil
	}
	return nil, outcome, nil
}

// DropTo is the drag path: a strict subset of ChangeStatus.
func (s *OrderService) DropTo(ctx context.Context, id string, target models.Status) (*models.Order, optimistic.Outcome, error) {
	return s.ChangeStatus(ctx, id, target, "Moved on board", status.ViaDrag)
}

// Resume is the sole exit from hold, used after correcting a bad phone
// number.
func (s *OrderService) Resume(ctx context.Context, id string) (*models.Order, optimistic.Outcome, error) {
	return s.ChangeStatus(ctx, id, models.StatusNew, "Resumed after phone correction", status.ViaManual)
}

// Restore returns a canceled or blocked order to new.
func (s *OrderService) Restore(ctx context.Context, id string) (*models.Order, optimistic.Outcome, error) {
	return s.ChangeStatus(ctx, id, models.StatusNew, "Restored from blacklist", status.ViaManual)
}

// CallLogResult is the settled view of one call-log mutation.
type CallLogResult struct {
	Order     *models.Order
	Call      repository.CallResult
	Decision  escalation.Decision
	UndoUntil time.Time
}

// LogCall appends a call outcome. The escalation decision shown locally is
// speculative; whether auto-cancel actually fired is read back from the
// repository's reconciled answer, never from the speculative state. On
// failure the engine rolls the local entry and attempt count back in one
// step.
func (s *OrderService) LogCall(ctx context.Context, id string, outcome models.CallOutcome, note string) (CallLogResult, optimistic.Outcome, error) {
	var result CallLogResult
	if !outcome.Valid() {
		return result, optimistic.Outcome{}, fmt.Errorf("unknown call outcome %q", outcome)
	}
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return result, optimistic.Outcome{}, err
	}
	result.Decision = escalation.Apply(o, outcome, note)

	var call repository.CallResult
	engineOutcome := s.engine.Do(ctx, optimistic.Mutation{
		Key:        optimistic.Key{Kind: optimistic.KindCallLog, TargetID: id},
		Optimistic: result.Decision.Attempts,
		Previous:   o.DerivedAttempts(),
		Run: func(ctx context.Context) error {
			var runErr error
			call, runErr = s.repo.LogCallOutcome(ctx, id, outcome, note)
			return runErr
		},
	})
	if !engineOutcome.Committed {
		return result, engineOutcome, nil
	}

	result.Call = call
	fresh, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return result, engineOutcome, err
	}
	s.active.Put(fresh)
	result.Order = fresh

	if call.AutoCanceled {
		deadline := s.now().Add(escalation.UndoWindow)
		s.mu.Lock()
		s.undo[id] = deadline
		s.mu.Unlock()
		result.UndoUntil = deadline
	}
	s.auditRecord(audit.Record{
		Timestamp: s.now(),
		OrderID:   id,
		NewStatus: fresh.Status,
		Operation: "log_call",
		Message:   fmt.Sprintf("outcome=%s attempts=%d", outcome, fresh.CallAttempts),
	})
	return result, engineOutcome, nil
}

// UndoAutoCancel is the single-shot undo after an auto-cancel: exactly a
// reset of the attempt counter plus a restore to new, valid only within
// the undo window.
func (s *OrderService) UndoAutoCancel(ctx context.Context, id string) (*models.Order, optimistic.Outcome, error) {
	s.mu.Lock()
	deadline, ok := s.undo[id]
	if ok {
		delete(s.undo, id) // single-shot
	}
	s.mu.Unlock()
	if !ok {
		return nil, optimistic.Outcome{}, ErrNothingToUndo
	}
	if s.now().After(deadline) {
		return nil, optimistic.Outcome{}, ErrUndoWindowClosed
	}

	var restored *models.Order
	outcome := s.engine.Do(ctx, optimistic.Mutation{
		Key:        optimistic.Key{Kind: optimistic.KindReset, TargetID: id},
		Optimistic: models.StatusNew,
		Previous:   models.StatusCanceled,
		Run: func(ctx context.Context) error {
			if err := s.repo.ResetCallAttempts(ctx, id); err != nil {
				return err
			}
			var runErr error
			restored, runErr = s.repo.UpdateStatus(ctx, id, models.StatusNew, "Undo auto-cancel")
			return runErr
		},
		OnSuccess: func() {
			s.active.Put(restored)
			s.auditRecord(audit.Record{
				Timestamp: s.now(),
				OrderID:   id,
				OldStatus: string(models.StatusCanceled),
				NewStatus: string(models.StatusNew),
				Operation: "undo_auto_cancel",
			})
		},
	})
	if outcome.Committed {
		return restored, outcome, nil
	}
	return nil, outcome, nil
}

// ToggleBan flips the ban flag for a phone number. The flag applies to
// every order sharing the phone; blocking future intake is enforced
// elsewhere.
func (s *OrderService) ToggleBan(ctx context.Context, phone string, banned bool) (optimistic.Outcome, error) {
	if phone == "" {
		return optimistic.Outcome{}, fmt.Errorf("phone is required")
	}
	outcome := s.engine.Do(ctx, optimistic.Mutation{
		Key:        optimistic.Key{Kind: optimistic.KindBan, TargetID: phone},
		Optimistic: banned,
		Previous:   !banned,
		Run: func(ctx context.Context) error {
			return s.repo.BanCustomer(ctx, phone, banned)
		},
		OnSuccess: func() {
			if s.bans != nil {
				if err := s.bans.SetBanned(ctx, phone, banned); err != nil {
					log.Printf("ban cache write-through: %v", err)
				}
			}
			s.auditRecord(audit.Record{
				Timestamp: s.now(),
				Operation: "toggle_ban",
				Message:   fmt.Sprintf("phone=%s banned=%t", phone, banned),
			})
		},
	})
	return outcome, nil
}

func (s *OrderService) AddNote(ctx context.Context, id, text string) (optimistic.Outcome, error) {
	if text == "" {
		return optimistic.Outcome{}, fmt.Errorf("note text is required")
	}
	outcome := s.engine.Do(ctx, optimistic.Mutation{
		Key:        optimistic.Key{Kind: optimistic.KindNote, TargetID: id},
		Optimistic: text,
		Previous:   "",
		Run: func(ctx context.Context) error {
			return s.repo.AddNote(ctx, id, text)
		},
	})
	return outcome, nil
}

func (s *OrderService) Select(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection[id] = struct{}{}
}

func (s *OrderService) Deselect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.selection, id)
}

func (s *OrderService) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.selection))
	for id := range s.selection {
		ids = append(ids, id)
	}
	return ids
}

func (s *OrderService) clearSelection(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.selection, id)
	}
}

// BulkApply runs the intent over the current selection. The selection is
// cleared only after the call settles successfully: a whole-batch failure
// keeps it intact so Retry re-runs the identical id set, and a partial
// result stays visible with its skipped and failed counts.
func (s *OrderService) BulkApply(ctx context.Context, intent bulk.Intent, reason string) (bulk.Result, optimistic.Outcome, error) {
	var result bulk.Result
	if !intent.Valid() {
		return result, optimistic.Outcome{}, fmt.Errorf("unknown bulk intent %q", intent)
	}
	ids := s.Selection()
	if len(ids) == 0 {
		return result, optimistic.Outcome{Committed: true}, nil
	}

	outcome := s.engine.Do(ctx, optimistic.Mutation{
		Key:        optimistic.Key{Kind: optimistic.KindBulk, TargetID: string(intent)},
		Optimistic: len(ids),
		Previous:   0,
		Run: func(ctx context.Context) error {
			var runErr error
			result, runErr = s.repo.BulkUpdateStatus(ctx, ids, intent, reason)
			return runErr
		},
		OnSuccess: func() {
			s.clearSelection(ids)
			if err := s.active.Refresh(ctx, s.repo); err != nil {
				log.Printf("active cache refresh after bulk: %v", err)
			}
			s.auditRecord(audit.Record{
				Timestamp: s.now(),
				Operation: "bulk_" + string(intent),
				Message:   result.Summary(),
			})
		},
	})
	return result, outcome, nil
}

func (s *OrderService) auditRecord(rec audit.Record) {
	if s.audit != nil {
		s.audit.Log(rec)
	}
	if s.tasks != nil {
		payload, err := json.Marshal(rec)
		if err != nil {
			log.Printf("marshal audit record: %v", err)
			return
		}
		if err := s.tasks.CreateTask(context.Background(), payload); err != nil {
			log.Printf("enqueue audit task: %v", err)
		}
	}
}
