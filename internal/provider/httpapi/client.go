// Package httpapi talks to a REST batch payout API shaped like the common
// "payouts" endpoints: one POST creates a batch keyed by sender_batch_id, one
// GET returns the batch with per-item transaction statuses.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openbuilders/reward-disburser/internal/provider"
)

const (
	payoutsPath = "/v1/payments/payouts"
	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4 << 10
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	config *Config
	http   *http.Client
	log    *slog.Logger
}

func New(config *Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{
		config: config,
		http:   httpClient,
		log:    slog.With("component", "provider-http"),
	}
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type payoutItem struct {
	RecipientType string `json:"recipient_type"`
	Amount        amount `json:"amount"`
	Receiver      string `json:"receiver"`
	SenderItemID  string `json:"sender_item_id"`
	Note          string `json:"note,omitempty"`
}

type senderBatchHeader struct {
	SenderBatchID string `json:"sender_batch_id"`
	EmailSubject  string `json:"email_subject,omitempty"`
}

type createPayoutRequest struct {
	SenderBatchHeader senderBatchHeader `json:"sender_batch_header"`
	Items             []payoutItem      `json:"items"`
}

type batchHeader struct {
	PayoutBatchID string `json:"payout_batch_id"`
	BatchStatus   string `json:"batch_status"`
}

type itemError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type payoutItemDetails struct {
	PayoutItemID      string `json:"payout_item_id"`
	TransactionStatus string `json:"transaction_status"`
	PayoutItem        struct {
		SenderItemID string `json:"sender_item_id"`
	} `json:"payout_item"`
	Errors *itemError `json:"errors,omitempty"`
}

type payoutBatchResponse struct {
	BatchHeader batchHeader         `json:"batch_header"`
	Items       []payoutItemDetails `json:"items"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (c *Client) SubmitBatch(ctx context.Context, req *provider.SubmitRequest) (
	*provider.SubmitResponse, error) {

	body := createPayoutRequest{
		SenderBatchHeader: senderBatchHeader{
			SenderBatchID: req.SenderBatchID,
			EmailSubject:  req.Subject,
		},
		Items: make([]payoutItem, len(req.Items)),
	}
	for i, it := range req.Items {
		body.Items[i] = payoutItem{
			RecipientType: "EMAIL",
			Amount:        amount{Value: it.Amount.String(), Currency: it.Currency},
			Receiver:      it.Destination,
			SenderItemID:  it.ItemRef,
			Note:          it.Note,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payout request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+payoutsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", provider.ErrNotAcknowledged, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.SenderBatchID)
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.log.Warn("provider returned a server error",
			"status", resp.StatusCode,
			"sender_batch_id", req.SenderBatchID,
		)
		return nil, fmt.Errorf("%w: status %d", provider.ErrUnknownOutcome, resp.StatusCode)
	}

	if resp.StatusCode >= 400 {
		return nil, &provider.RejectedError{
			StatusCode: resp.StatusCode,
			Reason:     readErrorReason(resp.Body),
		}
	}

	var decoded payoutBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		// the provider accepted something we cannot read
		return nil, fmt.Errorf("%w: decode response: %v", provider.ErrUnknownOutcome, err)
	}

	if decoded.BatchHeader.PayoutBatchID == "" {
		return nil, fmt.Errorf("%w: response without payout_batch_id", provider.ErrUnknownOutcome)
	}

	return &provider.SubmitResponse{
		ProviderBatchID: decoded.BatchHeader.PayoutBatchID,
		Processing:      strings.EqualFold(decoded.BatchHeader.BatchStatus, "PROCESSING"),
		Items:           itemResults(decoded.Items),
	}, nil
}

func (c *Client) GetBatchStatus(ctx context.Context, providerBatchID string) (
	*provider.StatusReport, error) {

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+payoutsPath+"/"+url.PathEscape(providerBatchID), nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get batch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get batch status: status %d: %s",
			resp.StatusCode, readErrorReason(resp.Body))
	}

	var decoded payoutBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode batch status: %w", err)
	}

	return &provider.StatusReport{
		ProviderBatchID: decoded.BatchHeader.PayoutBatchID,
		Status:          decoded.BatchHeader.BatchStatus,
		Items:           itemResults(decoded.Items),
	}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
}

func itemResults(items []payoutItemDetails) []provider.ItemResult {
	out := make([]provider.ItemResult, 0, len(items))
	for _, it := range items {
		res := provider.ItemResult{
			ItemRef:        it.PayoutItem.SenderItemID,
			ProviderItemID: it.PayoutItemID,
			Status:         provider.NormalizeItemStatus(it.TransactionStatus),
		}
		if it.Errors != nil {
			res.FailureReason = it.Errors.Name
		} else if res.Status.Terminal() && !strings.EqualFold(it.TransactionStatus, "SUCCESS") {
			res.FailureReason = strings.ToUpper(it.TransactionStatus)
		}
		out = append(out, res)
	}
	return out
}

// classifyTransportError separates failures where the request provably never
// left this process (nothing can have been paid) from those where it may have
// been processed.
func classifyTransportError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", provider.ErrNotAcknowledged, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", provider.ErrNotAcknowledged, err)
	}

	return fmt.Errorf("%w: %v", provider.ErrUnknownOutcome, err)
}

func readErrorReason(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))

	var decoded errorResponse
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Name != "" {
		if decoded.Message != "" {
			return decoded.Name + ": " + decoded.Message
		}
		return decoded.Name
	}

	return strings.TrimSpace(string(raw))
}
