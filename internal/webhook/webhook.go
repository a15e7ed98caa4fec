// Package webhook delivers signed enforcement decisions to the owning
// application's enforcement endpoint.
//
// Delivery is fire-and-forget from the decision path: enforcements are
// enqueued onto a channel and a background worker POSTs them, recording the
// outcome (including failures) into the enforcement's delivery sub-record.
// Retry scheduling is intentionally absent; only the retry counter is kept.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/final10/savvyshield/internal/shield"
	"github.com/final10/savvyshield/internal/traces"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savvyshield",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total enforcement webhook deliveries by result.",
	}, []string{"result"})

	deliveryQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "savvyshield",
		Subsystem: "webhook",
		Name:      "queue_dropped_total",
		Help:      "Enforcements dropped because the delivery queue was full.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, deliveryQueueDropped)
}

// Signature headers on every delivery.
const (
	HeaderSignature = "X-Shield-Signature"
	HeaderTimestamp = "X-Shield-Timestamp"
)

// MaxClockSkew is the replay-protection window: receivers reject requests
// whose timestamp is further than this from their own clock.
const MaxClockSkew = 5 * time.Minute

var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrStaleTimestamp = errors.New("webhook timestamp outside allowed window")
)

// maxResponseBody caps how much of a receiver's response is recorded.
const maxResponseBody = 512

const queueSize = 1024

// Payload is the enforcement notification body. Field order is irrelevant;
// the signature covers the exact serialized bytes sent on the wire.
type Payload struct {
	UserID           string              `json:"savvy_user_id"`
	Action           shield.Action       `json:"action"`
	AffectedFeatures []string            `json:"affected_features,omitempty"`
	DurationHours    *int                `json:"duration_hours"`
	Reason           string              `json:"reason"`
	Restrictions     shield.Restrictions `json:"restrictions"`
	RiskScore        float64             `json:"risk_score"`
	EnforcementID    string              `json:"enforcement_id"`
	CaseID           string              `json:"case_id,omitempty"`
}

// Dispatcher signs and POSTs enforcement payloads to
// {baseURL}/{app}/shield/enforce.
type Dispatcher struct {
	store   shield.EnforcementStore
	client  *http.Client
	baseURL string
	secret  string
	logger  *slog.Logger
	ch      chan *shield.Enforcement
	stop    chan struct{}
	running atomic.Bool
	dropped atomic.Int64
}

// NewDispatcher creates a webhook dispatcher. baseURL has no trailing slash.
func NewDispatcher(store shield.EnforcementStore, baseURL, secret string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		secret:  secret,
		logger:  logger,
		ch:      make(chan *shield.Enforcement, queueSize),
		stop:    make(chan struct{}),
	}
}

var _ shield.Notifier = (*Dispatcher)(nil)

// Enqueue queues an enforcement for delivery. Non-blocking: drops and counts
// if the queue is full.
func (d *Dispatcher) Enqueue(e *shield.Enforcement) {
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
		deliveryQueueDropped.Inc()
		d.logger.Warn("webhook queue full, dropping delivery", "enforcement", e.ID)
	}
}

// Dropped returns the number of deliveries dropped due to a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Running reports whether the delivery worker is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start drains the queue. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case e := <-d.ch:
			d.DeliverNow(ctx, e)
		}
	}
}

// Stop signals the worker to stop.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

// DeliverNow performs one delivery attempt synchronously and records the
// outcome on the enforcement. Errors are swallowed: delivery failure must
// never propagate to the decision path.
func (d *Dispatcher) DeliverNow(ctx context.Context, e *shield.Enforcement) {
	ctx, span := traces.StartSpan(ctx, "webhook.DeliverNow",
		traces.EnforcementID(e.ID), traces.App(e.App))
	defer span.End()

	payload := Payload{
		UserID:           e.UserID,
		Action:           e.Action,
		AffectedFeatures: e.AffectedFeatures,
		DurationHours:    e.DurationHours,
		Reason:           e.Reason,
		Restrictions:     e.Restrictions,
		RiskScore:        e.RiskScore,
		EnforcementID:    e.ID,
		CaseID:           e.CaseID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.recordFailure(ctx, e, 0, "marshal payload: "+err.Error())
		return
	}

	url := fmt.Sprintf("%s/%s/shield/enforce", d.baseURL, e.App)
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.recordFailure(ctx, e, 0, "build request: "+err.Error())
		return
	}
	now := time.Now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(body, d.secret))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.UnixMilli(), 10))

	resp, err := d.client.Do(req)
	if err != nil {
		span.RecordError(err)
		d.recordFailure(ctx, e, 0, "request failed: "+err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, e, resp.StatusCode, string(respBody), now)
		return
	}
	d.recordFailure(ctx, e, resp.StatusCode, string(respBody))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, e *shield.Enforcement, status int, body string, at time.Time) {
	deliveriesTotal.WithLabelValues("success").Inc()
	e.Delivery.Sent = true
	e.Delivery.SentAt = &at
	e.Delivery.ResponseStatus = status
	e.Delivery.ResponseBody = body
	e.UpdatedAt = time.Now()
	if err := d.store.UpdateEnforcement(ctx, e); err != nil {
		d.logger.Warn("failed to record webhook success", "enforcement", e.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, e *shield.Enforcement, status int, detail string) {
	deliveriesTotal.WithLabelValues("failure").Inc()
	d.logger.Warn("webhook delivery failed",
		"enforcement", e.ID, "app", e.App, "status", status, "detail", detail)
	e.Delivery.Sent = false
	e.Delivery.ResponseStatus = status
	e.Delivery.ResponseBody = detail
	e.Delivery.RetryCount++
	e.UpdatedAt = time.Now()
	if err := d.store.UpdateEnforcement(ctx, e); err != nil {
		d.logger.Warn("failed to record webhook failure", "enforcement", e.ID, "error", err)
	}
}

// Sign computes the hex HMAC-SHA256 of payload with the shared secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a received webhook: the timestamp must be within MaxClockSkew
// of now, and the signature must match a recomputed HMAC over the received
// body. Receivers should return 401 on any error.
func Verify(body []byte, signature string, timestampMs int64, secret string, now time.Time) error {
	ts := time.UnixMilli(timestampMs)
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return ErrStaleTimestamp
	}

	expected := Sign(body, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
