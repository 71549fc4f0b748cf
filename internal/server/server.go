package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"gitlab.ozon.dev/qwestard/console/internal/audit"
	"gitlab.ozon.dev/qwestard/console/internal/bulk"
	"gitlab.ozon.dev/qwestard/console/internal/config"
	"gitlab.ozon.dev/qwestard/console/internal/middleware"
	"gitlab.ozon.dev/qwestard/console/internal/models"
	"gitlab.ozon.dev/qwestard/console/internal/optimistic"
	"gitlab.ozon.dev/qwestard/console/internal/repository"
	"gitlab.ozon.dev/qwestard/console/internal/risk"
	"gitlab.ozon.dev/qwestard/console/internal/service"
	"gitlab.ozon.dev/qwestard/console/internal/status"
)

type Server struct {
	svc       *service.OrderService
	auditPool *audit.WorkerPool
	user      string
	password  string
	addr      string
}

func NewServer(svc *service.OrderService, auditPool *audit.WorkerPool, cfg *config.Config) *Server {
	return &Server{
		svc:       svc,
		auditPool: auditPool,
		user:      cfg.Username,
		password:  cfg.Password,
		addr:      cfg.Addr(),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.handleWith(mux, "/orders", s.handleOrders, nil, nil)

	s.handleWith(mux, "/orders/", s.handleOrderOne, nil, nil)

	s.handleWith(mux, "/orders-status/", s.handleStatus,
		[]string{"POST"}, []string{"POST"})

	s.handleWith(mux, "/orders-call/", s.handleCall,
		[]string{"POST"}, []string{"POST"})

	s.handleWith(mux, "/orders-call-undo/", s.handleCallUndo,
		[]string{"POST"}, []string{"POST"})

	s.handleWith(mux, "/orders-resume/", s.handleResume,
		[]string{"POST"}, []string{"POST"})

	s.handleWith(mux, "/orders-restore/", s.handleRestore,
		[]string{"POST"}, []string{"POST"})

	s.handleWith(mux, "/orders-note/", s.handleNote,
		[]string{"POST"}, []string{"POST"})

	s.handleWith(mux, "/orders-actions/", s.handleActions, nil, nil)

	s.handleWith(mux, "/orders-risk/", s.handleRisk, nil, nil)

	s.handleWith(mux, "/orders-select/", s.handleSelect,
		[]string{"POST", "DELETE"}, []string{"POST", "DELETE"})

	s.handleWith(mux, "/orders-bulk", s.handleBulk,
		[]string{"POST"}, []string{"POST"})

	s.handleWith(mux, "/customers-ban", s.handleBan,
		[]string{"POST"}, []string{"POST"})
}

func (s *Server) Run() error {
	mux := http.NewServeMux()

	s.RegisterRoutes(mux)

	log.Printf("Console listening on %s...", s.addr)
	return http.ListenAndServe(s.addr, mux)
}

func (s *Server) handleWith(mux *http.ServeMux, path string,
	handlerFunc http.HandlerFunc,
	logMethods []string, authMethods []string,
) {
	finalHandler := middlewareChain(s, handlerFunc, logMethods, authMethods)
	mux.Handle(path, finalHandler)
}

func middlewareChain(s *Server, h http.HandlerFunc, logMethods, authMethods []string) http.Handler {
	var handler http.Handler = h
	if len(authMethods) > 0 {
		handler = middleware.BasicAuthMiddleware(s.user, s.password, authMethods...)(handler)
	}
	if len(logMethods) > 0 {
		handler = middleware.LogMiddleware(s.auditPool, logMethods...)(handler)
	}
	return handler
}

// mutationResponse is the envelope every mutating handler returns: the
// settled order when committed, otherwise the rollback bookkeeping the
// client needs to offer Retry or the terminal contact-support message.
type mutationResponse struct {
	Committed bool                   `json:"committed"`
	Retryable bool                   `json:"retryable,omitempty"`
	Terminal  bool                   `json:"terminal,omitempty"`
	Attempts  int                    `json:"attempts,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Order     *models.Order          `json:"order,omitempty"`
	Call      *repository.CallResult `json:"call,omitempty"`
	UndoUntil *time.Time             `json:"undo_until,omitempty"`
	Result    *bulk.Result           `json:"result,omitempty"`
	Summary   string                 `json:"summary,omitempty"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	group := r.URL.Query().Get("group")
	var (
		orders []*models.Order
		err    error
	)
	if group == repository.GroupBlacklist {
		orders, err = s.svc.ListBlacklist(r.Context())
	} else {
		orders, err = s.svc.ListActive(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleOrderOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/orders/")
	if id == "" {
		http.Error(w, "missing ID", http.StatusBadRequest)
		return
	}
	o, err := s.svc.GetOrder(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/orders-status/")
	if id == "" {
		http.Error(w, "missing ID", http.StatusBadRequest)
		return
	}
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
		Via    string `json:"via"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	// Mutation targets are canonical statuses; legacy names are read-side only.
	target := models.Normalize(req.Status)
	if string(target) != req.Status {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	via := status.ViaManual
	if req.Via == string(status.ViaDrag) {
		via = status.ViaDrag
	}
	order, outcome, err := s.svc.ChangeStatus(r.Context(), id, target, req.Reason, via)
	s.writeMutation(w, order, outcome, err)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/orders-call/")
	if id == "" {
		http.Error(w, "missing ID", http.StatusBadRequest)
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
		Note    string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	result, outcome, err := s.svc.LogCall(r.Context(), id, models.CallOutcome(req.Outcome), req.Note)
	if err != nil {
		s.writeMutation(w, nil, outcome, err)
		return
	}
	resp := outcomeResponse(outcome)
	resp.Order = result.Order
	if outcome.Committed {
		resp.Call = &result.Call
		if !result.UndoUntil.IsZero() {
			t := result.UndoUntil
			resp.UndoUntil = &t
		}
	}
	writeJSON(w, statusForOutcome(outcome), resp)
}

func (s *Server) handleCallUndo(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/orders-call-undo/")
	order, outcome, err := s.svc.UndoAutoCancel(r.Context(), id)
	if errors.Is(err, service.ErrNothingToUndo) || errors.Is(err, service.ErrUndoWindowClosed) {
		writeJSON(w, http.StatusConflict, mutationResponse{Error: err.Error()})
		return
	}
	s.writeMutation(w, order, outcome, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/orders-resume/")
	order, outcome, err := s.svc.Resume(r.Context(), id)
	s.writeMutation(w, order, outcome, err)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/orders-restore/")
	order, outcome, err := s.svc.Restore(r.Context(), id)
	s.writeMutation(w, order, outcome, err)
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/orders-note/")
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	outcome, err := s.svc.AddNote(r.Context(), id, req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, statusForOutcome(outcome), outcomeResponse(outcome))
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/orders-actions/")
	actions, err := s.svc.AvailableActions(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/orders-risk/")
	o, err := s.svc.GetOrder(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, risk.Assess(o))
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/orders-select/")
	if id == "" {
		http.Error(w, "missing ID", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.svc.Select(id)
	case http.MethodDelete:
		s.svc.Deselect(id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"selection": s.svc.Selection()})
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intent string `json:"intent"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	result, outcome, err := s.svc.BulkApply(r.Context(), bulk.Intent(req.Intent), req.Reason)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := outcomeResponse(outcome)
	if outcome.Committed {
		resp.Result = &result
		resp.Summary = result.Summary()
	}
	writeJSON(w, statusForOutcome(outcome), resp)
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone  string `json:"phone"`
		Banned bool   `json:"banned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	outcome, err := s.svc.ToggleBan(r.Context(), req.Phone, req.Banned)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, statusForOutcome(outcome), outcomeResponse(outcome))
}

// writeMutation maps the error taxonomy onto HTTP: locally rejected
// transitions are warnings (422, no remote call was made), missing orders
// are 404, remote failures settle as a rollback payload.
func (s *Server) writeMutation(w http.ResponseWriter, order *models.Order, outcome optimistic.Outcome, err error) {
	if err != nil {
		switch {
		case errors.Is(err, status.ErrTransitionNotAllowed):
			writeJSON(w, http.StatusUnprocessableEntity, mutationResponse{Error: err.Error()})
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	resp := outcomeResponse(outcome)
	resp.Order = order
	writeJSON(w, statusForOutcome(outcome), resp)
}

func outcomeResponse(outcome optimistic.Outcome) mutationResponse {
	resp := mutationResponse{
		Committed: outcome.Committed,
		Retryable: outcome.CanRetry(),
		Terminal:  outcome.Terminal,
		Attempts:  outcome.Attempts,
	}
	if outcome.Err != nil {
		resp.Error = outcome.Err.Error()
	}
	if outcome.Terminal {
		resp.Error = "operation failed repeatedly, contact support"
	}
	return resp
}

func statusForOutcome(outcome optimistic.Outcome) int {
	if outcome.Committed {
		return http.StatusOK
	}
	if outcome.Stale {
		// The initiating view is gone; nothing user-visible to report.
		return http.StatusAccepted
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
