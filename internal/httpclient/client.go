// Package httpclient issues orchestrator commands to inventory and payment
// participants running in another process.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Command paths served by the participant API.
const (
	PathReserve = "/inventory/reserve"
	PathRelease = "/inventory/release"
	PathDebit   = "/payment/debit"
	PathCredit  = "/payment/credit"
)

// ReleaseResult is the body returned by a release command.
type ReleaseResult struct {
	Released bool `json:"released"`
}

// CreditResult is the body returned by a credit command.
type CreditResult struct {
	Refunded bool `json:"refunded"`
}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Path, e.Status, e.Body)
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, hc *http.Client) client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// Inventory talks to a remote inventory participant.
type Inventory struct{ c client }

func NewInventory(baseURL string, hc *http.Client) *Inventory {
	return &Inventory{c: newClient(baseURL, hc)}
}

func (i *Inventory) Reserve(ctx context.Context, ev events.OrderEvent) (events.InventoryEvent, error) {
	var out events.InventoryEvent
	if err := i.c.postJSON(ctx, PathReserve, ev, &out); err != nil {
		return events.InventoryEvent{}, err
	}
	if err := out.Validate(); err != nil {
		return events.InventoryEvent{}, err
	}
	return out, nil
}

func (i *Inventory) Release(ctx context.Context, ev events.OrderEvent) (bool, error) {
	var out ReleaseResult
	if err := i.c.postJSON(ctx, PathRelease, ev, &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

// Payment talks to a remote payment participant.
type Payment struct{ c client }

func NewPayment(baseURL string, hc *http.Client) *Payment {
	return &Payment{c: newClient(baseURL, hc)}
}

func (p *Payment) Debit(ctx context.Context, ev events.OrderEvent) (events.PaymentEvent, error) {
	var out events.PaymentEvent
	if err := p.c.postJSON(ctx, PathDebit, ev, &out); err != nil {
		return events.PaymentEvent{}, err
	}
	if err := out.Validate(); err != nil {
		return events.PaymentEvent{}, err
	}
	return out, nil
}

func (p *Payment) Credit(ctx context.Context, ev events.OrderEvent) (bool, error) {
	var out CreditResult
	if err := p.c.postJSON(ctx, PathCredit, ev, &out); err != nil {
		return false, err
	}
	return out.Refunded, nil
}
