package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/openbuilders/reward-disburser/internal/disburser"
	"github.com/openbuilders/reward-disburser/internal/draw"
	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
	"github.com/openbuilders/reward-disburser/internal/payout"
	"github.com/openbuilders/reward-disburser/internal/provider/sandbox"
	"github.com/openbuilders/reward-disburser/internal/queue"
	"github.com/openbuilders/reward-disburser/internal/reconciler"
	"github.com/openbuilders/reward-disburser/internal/repository/memory"
	"github.com/openbuilders/reward-disburser/internal/selector"
	"github.com/openbuilders/reward-disburser/internal/tier"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

type envelope struct {
	Ok               bool              `json:"ok"`
	Data             json.RawMessage   `json:"data"`
	ErrorCode        string            `json:"errorCode"`
	ErrorDescription string            `json:"errorDescription"`
	Details          []svcerr.Offender `json:"details"`
}

type published struct {
	queue queue.QueueName
	body  []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
}

func (p *fakePublisher) Publish(name queue.QueueName, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = append(p.messages, published{queue: name, body: body})
	return nil
}

type fixture struct {
	store     *memory.Store
	publisher *fakePublisher
	handler   http.Handler
	cycle     *types.Cycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	cycle := &types.Cycle{
		Name:           "api",
		TotalPool:      20000,
		Currency:       "USD",
		TierShareBP:    [3]int{5000, 3000, 2000},
		WinnersPerTier: [3]int{1, 1, 1},
	}
	if err := store.CreateCycle(ctx, cycle); err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	var participants []types.Participant
	for i := range 9 {
		participants = append(participants, types.Participant{
			ID:          fmt.Sprintf("m%d", i+1),
			CycleID:     cycle.ID,
			Points:      int64(100 * (9 - i)),
			Active:      true,
			Destination: fmt.Sprintf("m%d@example.com", i+1),
		})
	}
	if err := store.UpsertParticipants(ctx, participants); err != nil {
		t.Fatalf("participants: %v", err)
	}

	classifier, err := tier.New(tier.Config{})
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	calculator, err := payout.New(payout.Config{Policy: payout.PolicyEqual})
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}

	sbx := sandbox.New(&sandbox.Config{Immediate: types.ItemSuccess})
	drawer := draw.New(&draw.Config{DBTimeout: time.Second}, store, classifier,
		selector.New(selector.Config{Weighted: true}), calculator)
	orch := disburser.New(&disburser.Config{SubmitTimeout: time.Second}, store, sbx, nil, nil)
	rec := reconciler.New(&reconciler.Config{DBTimeout: time.Second}, store, sbx, nil, nil)

	publisher := &fakePublisher{}
	srv := NewServer(&Config{ID: "test"}, drawer, orch, rec, publisher, nil)

	return &fixture{
		store:     store,
		publisher: publisher,
		handler:   srv.Handler(),
		cycle:     cycle,
	}
}

func (f *fixture) call(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Code != http.StatusMethodNotAllowed {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, env
}

func (f *fixture) path(format string) string {
	return fmt.Sprintf(format, f.cycle.ID)
}

func TestServer_DisbursementFlow(t *testing.T) {
	f := newFixture(t)

	code, env := f.call(t, http.MethodPost, f.path("/cycles/%d/selection"), map[string]any{"seed": 42})
	if code != http.StatusOK || !env.Ok {
		t.Fatalf("selection: %d %+v", code, env)
	}

	var outcome draw.Outcome
	if err := json.Unmarshal(env.Data, &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if len(outcome.Selections) != 3 {
		t.Fatalf("expected 3 winners, got %d", len(outcome.Selections))
	}

	if code, env = f.call(t, http.MethodPost, f.path("/cycles/%d/seal"), nil); code != http.StatusOK {
		t.Fatalf("seal: %d %+v", code, env)
	}

	body := map[string]any{"adminId": "admin", "idempotencyToken": "june"}
	code, env = f.call(t, http.MethodPost, f.path("/cycles/%d/disburse"), body)
	if code != http.StatusOK {
		t.Fatalf("disburse: %d %+v", code, env)
	}

	var result disburser.Result
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Outcome != disburser.OutcomeCompleted || result.Counts.Succeeded != 3 {
		t.Fatalf("unexpected result %s %+v", result.Outcome, result.Counts)
	}

	code, env = f.call(t, http.MethodPost, f.path("/cycles/%d/disburse"), body)
	if code != http.StatusOK {
		t.Fatalf("replay: %d %+v", code, env)
	}
	var replay disburser.Result
	if err := json.Unmarshal(env.Data, &replay); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if replay.Outcome != disburser.OutcomeReplayed || replay.Batch.ID != result.Batch.ID {
		t.Fatalf("expected a replay of batch %s, got %s %s", result.Batch.ID, replay.Outcome, replay.Batch.ID)
	}

	code, env = f.call(t, http.MethodGet, f.path("/cycles/%d/batches"), nil)
	if code != http.StatusOK {
		t.Fatalf("batches: %d %+v", code, env)
	}
	var batches []types.PayoutBatch
	if err := json.Unmarshal(env.Data, &batches); err != nil {
		t.Fatalf("decode batches: %v", err)
	}
	if len(batches) != 1 || batches[0].Status != types.BatchCompleted {
		t.Fatalf("unexpected batches %+v", batches)
	}

	code, env = f.call(t, http.MethodGet, "/batches/"+result.Batch.ID.String(), nil)
	if code != http.StatusOK {
		t.Fatalf("get batch: %d %+v", code, env)
	}

	code, env = f.call(t, http.MethodPost, "/batches/"+result.Batch.ID.String()+"/cancel",
		map[string]any{"adminId": "admin"})
	if code != http.StatusConflict || env.ErrorCode != string(svcerr.CodeTooLateToCancel) {
		t.Fatalf("expected too_late_to_cancel, got %d %+v", code, env)
	}

	code, env = f.call(t, http.MethodPost, "/batches/"+result.Batch.ID.String()+"/reconcile", nil)
	if code != http.StatusOK {
		t.Fatalf("reconcile: %d %+v", code, env)
	}
}

func TestServer_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{
			name:   "bad cycle id",
			method: http.MethodPost,
			path:   "/cycles/abc/seal",
			status: http.StatusBadRequest,
			code:   string(InvalidRequest),
		},
		{
			name:   "unknown batch",
			method: http.MethodGet,
			path:   "/batches/" + uuid.NewString(),
			status: http.StatusNotFound,
			code:   string(svcerr.CodeNotFound),
		},
		{
			name:   "seal before selection",
			method: http.MethodPost,
			path:   f.path("/cycles/%d/seal"),
			status: http.StatusConflict,
			code:   string(svcerr.CodeInvalidState),
		},
		{
			name:   "malformed body",
			method: http.MethodPost,
			path:   f.path("/cycles/%d/selection"),
			body:   "not an object",
			status: http.StatusBadRequest,
			code:   string(InvalidRequest),
		},
		{
			name:   "webhook without batch",
			method: http.MethodPost,
			path:   "/webhooks/payouts",
			body:   map[string]any{},
			status: http.StatusBadRequest,
			code:   string(InvalidRequest),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := f.call(t, tt.method, tt.path, tt.body)
			if code != tt.status || env.Ok || env.ErrorCode != tt.code {
				t.Fatalf("expected %d %s, got %d %+v", tt.status, tt.code, code, env)
			}
		})
	}

	if code, _ := f.call(t, http.MethodGet, f.path("/cycles/%d/disburse"), nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
}

func TestServer_DisburseValidationDetails(t *testing.T) {
	f := newFixture(t)

	if code, env := f.call(t, http.MethodPost, f.path("/cycles/%d/selection"), nil); code != http.StatusOK {
		t.Fatalf("selection: %d %+v", code, env)
	}
	if code, env := f.call(t, http.MethodPost, f.path("/cycles/%d/seal"), nil); code != http.StatusOK {
		t.Fatalf("seal: %d %+v", code, env)
	}

	code, env := f.call(t, http.MethodPost, f.path("/cycles/%d/disburse"),
		map[string]any{"idempotencyToken": "t"})
	if code != http.StatusBadRequest || env.ErrorCode != string(svcerr.CodeValidation) {
		t.Fatalf("expected validation error, got %d %+v", code, env)
	}
	if len(env.Details) == 0 || env.Details[0].Field != "adminId" {
		t.Fatalf("expected the missing admin to be reported, got %+v", env.Details)
	}

	unknown := uuid.New()
	code, env = f.call(t, http.MethodPost, f.path("/cycles/%d/disburse"), map[string]any{
		"adminId":      "admin",
		"selectionIds": []uuid.UUID{unknown},
	})
	if code != http.StatusBadRequest || len(env.Details) != 1 ||
		env.Details[0].SelectionID != unknown.String() {

		t.Fatalf("expected the unknown selection to be reported, got %d %+v", code, env)
	}
}

func TestServer_Override(t *testing.T) {
	f := newFixture(t)

	_, env := f.call(t, http.MethodPost, f.path("/cycles/%d/selection"), nil)
	var outcome draw.Outcome
	if err := json.Unmarshal(env.Data, &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	target := outcome.Selections[0]
	path := "/selections/" + target.ID.String() + "/override"

	code, env := f.call(t, http.MethodPost, path, map[string]any{"amount": "12.345"})
	if code != http.StatusBadRequest || env.ErrorCode != string(svcerr.CodeValidation) {
		t.Fatalf("expected sub-cent amount to be rejected, got %d %+v", code, env)
	}

	code, env = f.call(t, http.MethodPost, path, map[string]any{"amount": "12.34", "version": target.Version})
	if code != http.StatusOK {
		t.Fatalf("override: %d %+v", code, env)
	}
	var sel types.WinnerSelection
	if err := json.Unmarshal(env.Data, &sel); err != nil {
		t.Fatalf("decode selection: %v", err)
	}
	if sel.OverrideAmount == nil || *sel.OverrideAmount != 1234 {
		t.Fatalf("unexpected override %v", sel.OverrideAmount)
	}

	code, env = f.call(t, http.MethodPost, path, map[string]any{"amount": nil, "version": target.Version})
	if code != http.StatusConflict || env.ErrorCode != string(svcerr.CodeConflict) {
		t.Fatalf("expected a stale version conflict, got %d %+v", code, env)
	}

	code, env = f.call(t, http.MethodPost, path, map[string]any{"amount": nil, "version": sel.Version})
	if code != http.StatusOK {
		t.Fatalf("clear override: %d %+v", code, env)
	}
}

func TestServer_WebhookPublishesReconcileRequest(t *testing.T) {
	f := newFixture(t)

	code, env := f.call(t, http.MethodPost, "/webhooks/payouts",
		map[string]any{"senderBatchId": "payout-abc-attempt-1"})
	if code != http.StatusOK {
		t.Fatalf("webhook: %d %+v", code, env)
	}

	if len(f.publisher.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(f.publisher.messages))
	}
	msg := f.publisher.messages[0]
	if msg.queue != queue.QueueReconcile {
		t.Fatalf("published to %s", msg.queue)
	}

	var req reconciler.Request
	if err := json.Unmarshal(msg.body, &req); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if req.SenderBatchID != "payout-abc-attempt-1" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestServer_Probes(t *testing.T) {
	srv := NewServer(&Config{}, nil, nil, nil, nil, nil)
	probes := srv.ProbesHandler()

	rec := httptest.NewRecorder()
	probes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", rec.Code)
	}

	srv.ready.Store(true)
	rec = httptest.NewRecorder()
	probes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	probes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}
}
