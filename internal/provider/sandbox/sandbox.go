// Package sandbox is an in-memory payment provider. It honours sender batch
// id idempotency like a real provider and lets callers script outcomes.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openbuilders/reward-disburser/internal/helpers"
	"github.com/openbuilders/reward-disburser/internal/provider"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

type Config struct {
	// Immediate is the status items get at submission. Empty means pending.
	Immediate types.ItemStatus
	// Outcomes holds the status an item settles to, keyed by normalized
	// destination. Unlisted destinations succeed.
	Outcomes    map[string]types.ItemStatus
	SubmitDelay time.Duration
}

type failure struct {
	err       error
	delivered bool
}

type batch struct {
	providerID string
	items      []provider.ItemResult
	dest       map[string]string
}

type Provider struct {
	config      *Config
	mu          sync.Mutex
	bySender    map[string]*batch
	byProvider  map[string]*batch
	failures    []failure
	submissions int
	log         *slog.Logger
}

func New(config *Config) *Provider {
	if config == nil {
		config = &Config{}
	}
	return &Provider{
		config:     config,
		bySender:   make(map[string]*batch),
		byProvider: make(map[string]*batch),
		log:        slog.With("component", "sandbox-provider"),
	}
}

// FailNext makes the next SubmitBatch call return err. When delivered is set
// the batch is still recorded, as if the response got lost on the way back.
func (p *Provider) FailNext(err error, delivered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures = append(p.failures, failure{err: err, delivered: delivered})
}

// Submissions returns how many submissions created a new provider batch.
func (p *Provider) Submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.submissions
}

func (p *Provider) SubmitBatch(ctx context.Context, req *provider.SubmitRequest) (
	*provider.SubmitResponse, error) {

	if p.config.SubmitDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, provider.ErrUnknownOutcome
		case <-time.After(p.config.SubmitDelay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var fail *failure
	if len(p.failures) > 0 {
		f := p.failures[0]
		p.failures = p.failures[1:]
		fail = &f
		if !f.delivered {
			return nil, f.err
		}
	}

	b, ok := p.bySender[req.SenderBatchID]
	if !ok {
		b = p.record(req)
	} else {
		p.log.Debug("duplicate sender batch id", "sender_batch_id", req.SenderBatchID)
	}

	if fail != nil {
		return nil, fail.err
	}

	return &provider.SubmitResponse{
		ProviderBatchID: b.providerID,
		Items:           append([]provider.ItemResult(nil), b.items...),
	}, nil
}

func (p *Provider) record(req *provider.SubmitRequest) *batch {
	status := p.config.Immediate
	if status == "" {
		status = types.ItemPending
	}

	b := &batch{
		providerID: "SBX-" + uuid.NewString()[:8],
		dest:       make(map[string]string, len(req.Items)),
	}
	for i, it := range req.Items {
		res := provider.ItemResult{
			ItemRef:        it.ItemRef,
			ProviderItemID: fmt.Sprintf("%s-%d", b.providerID, i+1),
			Status:         status,
		}
		if status.Terminal() {
			res.Status = p.outcome(it.Destination)
			res.FailureReason = reasonFor(res.Status)
		}
		b.items = append(b.items, res)
		b.dest[it.ItemRef] = it.Destination
	}

	p.bySender[req.SenderBatchID] = b
	p.byProvider[b.providerID] = b
	p.submissions++

	return b
}

func (p *Provider) GetBatchStatus(ctx context.Context, providerBatchID string) (
	*provider.StatusReport, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.byProvider[providerBatchID]
	if !ok {
		return nil, &provider.RejectedError{StatusCode: 404, Reason: "unknown batch"}
	}

	status := "SUCCESS"
	for _, it := range b.items {
		if !it.Status.Terminal() {
			status = "PROCESSING"
		}
	}

	return &provider.StatusReport{
		ProviderBatchID: b.providerID,
		Status:          status,
		Items:           append([]provider.ItemResult(nil), b.items...),
	}, nil
}

// Settle resolves every pending item of the batch to its scripted outcome.
func (p *Provider) Settle(providerBatchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.byProvider[providerBatchID]
	if !ok {
		return fmt.Errorf("unknown provider batch %s", providerBatchID)
	}

	for i := range b.items {
		if b.items[i].Status.Terminal() {
			continue
		}
		b.items[i].Status = p.outcome(b.dest[b.items[i].ItemRef])
		b.items[i].FailureReason = reasonFor(b.items[i].Status)
	}
	return nil
}

// SetItemStatus overrides one item, e.g. to simulate a late reversal.
func (p *Provider) SetItemStatus(providerBatchID, itemRef string, status types.ItemStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.byProvider[providerBatchID]
	if !ok {
		return fmt.Errorf("unknown provider batch %s", providerBatchID)
	}

	for i := range b.items {
		if b.items[i].ItemRef == itemRef {
			b.items[i].Status = status
			b.items[i].FailureReason = reasonFor(status)
			return nil
		}
	}
	return fmt.Errorf("unknown item %s", itemRef)
}

func (p *Provider) outcome(destination string) types.ItemStatus {
	if st, ok := p.config.Outcomes[helpers.NormalizeDestination(destination)]; ok {
		return st
	}
	return types.ItemSuccess
}

func reasonFor(status types.ItemStatus) string {
	switch status {
	case types.ItemFailed:
		return "RECEIVER_UNREGISTERED"
	case types.ItemUnclaimed:
		return "UNCLAIMED"
	}
	return ""
}
