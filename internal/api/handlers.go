package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/openbuilders/reward-disburser/internal/disburser"
	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
	"github.com/openbuilders/reward-disburser/internal/payout"
	"github.com/openbuilders/reward-disburser/internal/queue"
	"github.com/openbuilders/reward-disburser/internal/reconciler"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

const maxBodySize = 1 << 20

type selectionRequest struct {
	Seed *uint64 `json:"seed"`
}

type overrideRequest struct {
	// Amount is a decimal string or number in major units, null clears the
	// override.
	Amount  json.RawMessage `json:"amount"`
	Version int64           `json:"version"`
}

type disburseRequest struct {
	AdminID          string      `json:"adminId"`
	IdempotencyToken string      `json:"idempotencyToken"`
	SelectionIDs     []uuid.UUID `json:"selectionIds"`
}

type adminRequest struct {
	AdminID string `json:"adminId"`
}

func (s *Server) RunSelectionHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	cycleID, err := cycleIDOf(r)
	if err != nil {
		return nil, err
	}

	var req selectionRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	return s.drawer.RunSelection(r.Context(), cycleID, req.Seed)
}

func (s *Server) ListSelectionsHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	cycleID, err := cycleIDOf(r)
	if err != nil {
		return nil, err
	}
	return s.drawer.List(r.Context(), cycleID)
}

func (s *Server) SealHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	cycleID, err := cycleIDOf(r)
	if err != nil {
		return nil, err
	}
	return s.drawer.Seal(r.Context(), cycleID)
}

func (s *Server) OverrideHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	id, err := uuidOf(r)
	if err != nil {
		return nil, err
	}

	var req overrideRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	return s.drawer.Override(r.Context(), id, req.Version, amount)
}

// DisburseHandler pays the requested winners, or every payable winner of the
// cycle when the request names none.
func (s *Server) DisburseHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	cycleID, err := cycleIDOf(r)
	if err != nil {
		return nil, err
	}

	var req disburseRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	if len(req.SelectionIDs) == 0 {
		return s.disburser.DisburseAll(r.Context(), cycleID, req.AdminID, req.IdempotencyToken)
	}

	selections, err := s.requestedSelections(r, cycleID, req.SelectionIDs)
	if err != nil {
		return nil, err
	}

	return s.disburser.Disburse(r.Context(), &disburser.PrepareRequest{
		CycleID:          cycleID,
		AdminID:          req.AdminID,
		IdempotencyToken: req.IdempotencyToken,
		Selections:       selections,
	})
}

func (s *Server) requestedSelections(r *http.Request, cycleID int64, ids []uuid.UUID) (
	[]types.WinnerSelection, error) {

	summary, err := s.drawer.List(r.Context(), cycleID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]types.WinnerSelection, len(summary.Selections))
	for _, sel := range summary.Selections {
		byID[sel.ID] = sel
	}

	var (
		out       = make([]types.WinnerSelection, 0, len(ids))
		offenders []svcerr.Offender
	)
	for _, id := range ids {
		sel, ok := byID[id]
		if !ok {
			offenders = append(offenders, svcerr.Offender{
				SelectionID: id.String(),
				Field:       "selectionId",
				Reason:      "not a selection of this cycle",
			})
			continue
		}
		out = append(out, sel)
	}
	if len(offenders) > 0 {
		return nil, svcerr.Validation("request names unknown selections", offenders...)
	}
	return out, nil
}

func (s *Server) RetryFailedHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	cycleID, err := cycleIDOf(r)
	if err != nil {
		return nil, err
	}

	var req disburseRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	return s.disburser.RetryFailed(r.Context(), cycleID, req.AdminID, req.IdempotencyToken)
}

func (s *Server) CloseCycleHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	cycleID, err := cycleIDOf(r)
	if err != nil {
		return nil, err
	}

	var req adminRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	return s.disburser.CloseCycle(r.Context(), cycleID, req.AdminID)
}

func (s *Server) ListBatchesHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	cycleID, err := cycleIDOf(r)
	if err != nil {
		return nil, err
	}
	return s.disburser.ListBatches(r.Context(), cycleID)
}

func (s *Server) GetBatchHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	id, err := uuidOf(r)
	if err != nil {
		return nil, err
	}
	return s.disburser.GetBatch(r.Context(), id)
}

func (s *Server) ExecuteHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	id, err := uuidOf(r)
	if err != nil {
		return nil, err
	}
	return s.disburser.Execute(r.Context(), id)
}

func (s *Server) CancelHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	id, err := uuidOf(r)
	if err != nil {
		return nil, err
	}

	var req adminRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	return s.disburser.Cancel(r.Context(), id, req.AdminID)
}

func (s *Server) ReconcileHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	id, err := uuidOf(r)
	if err != nil {
		return nil, err
	}
	return s.reconciler.Reconcile(r.Context(), id)
}

// WebhookHandler turns a provider notification into a reconcile request. The
// payload itself is not trusted, the reconciler asks the provider.
func (s *Server) WebhookHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	var req reconciler.Request
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.BatchID == uuid.Nil && strings.TrimSpace(req.SenderBatchID) == "" {
		return nil, &APIError{Code: InvalidRequest, Description: "webhook names no batch"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if s.publisher == nil {
		if err := s.reconciler.HandleMessage(r.Context(), body); err != nil {
			var permanent queue.PermanentError
			if errors.As(err, &permanent) {
				return nil, &APIError{Code: InvalidRequest, Description: permanent.Error()}
			}
			return nil, err
		}
		return "reconciled", nil
	}

	if err := s.publisher.Publish(queue.QueueReconcile, body); err != nil {
		s.log.Error("couldn't enqueue reconcile request",
			"batch", req.BatchID,
			"senderBatchId", req.SenderBatchID,
			"error", err,
		)
		return nil, &APIError{Code: EnqueueingError}
	}

	return "queued", nil
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	if s.health == nil {
		return "ok", nil
	}

	status := s.health.GetHealthStatus()
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	return status, nil
}

func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) (any, error) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return "starting", nil
	}
	return "ready", nil
}

func cycleIDOf(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &APIError{Code: InvalidRequest, Description: fmt.Sprintf("invalid cycle id %q", r.PathValue("id"))}
	}
	return id, nil
}

func uuidOf(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &APIError{Code: InvalidRequest, Description: fmt.Sprintf("invalid id %q", r.PathValue("id"))}
	}
	return id, nil
}

// decodeBody reads an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return &APIError{Code: InvalidRequest, Description: "unable to read request body"}
	}
	defer r.Body.Close()

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, v); err != nil {
		return &APIError{Code: InvalidRequest, Description: err.Error()}
	}
	return nil
}

func parseAmount(raw json.RawMessage) (*types.Money, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var (
		amount types.Money
		err    error
	)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, &APIError{Code: InvalidRequest, Description: "amount is not a string"}
		}
		amount, err = payout.ParseAmount(s)
	} else {
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, &APIError{Code: InvalidRequest, Description: "amount is not a number"}
		}
		amount, err = payout.FromFloat(f)
	}
	if err != nil {
		return nil, err
	}
	return &amount, nil
}
