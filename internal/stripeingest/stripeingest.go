// Package stripeingest turns Stripe webhook events into shield signals.
//
// Disputes and Radar early fraud warnings are the platform's strongest
// external fraud signal; this adapter verifies the Stripe signature and
// feeds them through the normal ingest path.
package stripeingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v81"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"

	"github.com/final10/savvyshield/internal/shield"
)

var stripeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "savvyshield",
	Subsystem: "stripe",
	Name:      "events_total",
	Help:      "Stripe webhook events by type and result",
}, []string{"type", "result"})

func init() {
	prometheus.MustRegister(stripeEventsTotal)
}

// maxBodyBytes bounds the webhook payload per Stripe's own recommendation.
const maxBodyBytes = 64 * 1024

// Handler receives Stripe webhooks and converts them to shield events.
type Handler struct {
	service *shield.Service
	secret  string
	logger  *slog.Logger
}

func NewHandler(service *shield.Service, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, secret: secret, logger: logger}
}

// RegisterRoutes sets up the Stripe webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sources/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /v1/sources/stripe
func (h *Handler) HandleWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	event, err := stripewebhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		stripeEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Stripe signature verification failed",
		})
		return
	}

	req, ok := h.translate(event)
	if !ok {
		// Unhandled event types are acknowledged so Stripe stops retrying.
		stripeEventsTotal.WithLabelValues(string(event.Type), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if req.UserID == "" || req.App == "" {
		// Charges created without shield metadata cannot be attributed.
		stripeEventsTotal.WithLabelValues(string(event.Type), "unattributed").Inc()
		h.logger.Warn("stripe event missing savvy metadata", "stripe_event", event.ID, "type", event.Type)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	result, err := h.service.Ingest(c.Request.Context(), *req)
	if err != nil {
		stripeEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		h.logger.Error("stripe signal ingest failed", "stripe_event", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process event",
		})
		return
	}

	stripeEventsTotal.WithLabelValues(string(event.Type), "ingested").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true, "event_id": result.EventID})
}

// translate maps a Stripe event onto an ingest request. Returns false for
// event types the shield does not consume.
func (h *Handler) translate(event stripe.Event) (*shield.IngestRequest, bool) {
	switch event.Type {
	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return nil, false
		}
		req := requestFromMetadata(dispute.Metadata, shield.EventChargebackSignal)
		req.Context["value"] = float64(dispute.Amount) / 100
		req.Context["stripe_dispute_id"] = dispute.ID
		req.Context["dispute_reason"] = string(dispute.Reason)
		return req, true

	case "radar.early_fraud_warning.created":
		var warning stripe.RadarEarlyFraudWarning
		if err := json.Unmarshal(event.Data.Raw, &warning); err != nil {
			return nil, false
		}
		var meta map[string]string
		if warning.Charge != nil {
			meta = warning.Charge.Metadata
		}
		req := requestFromMetadata(meta, shield.EventPaymentRisk)
		if warning.Charge != nil {
			req.Context["value"] = float64(warning.Charge.Amount) / 100
		}
		req.Context["fraud_type"] = string(warning.FraudType)
		return req, true

	case "review.opened":
		var review stripe.Review
		if err := json.Unmarshal(event.Data.Raw, &review); err != nil {
			return nil, false
		}
		var meta map[string]string
		if review.Charge != nil {
			meta = review.Charge.Metadata
		}
		req := requestFromMetadata(meta, shield.EventPaymentRisk)
		if review.Charge != nil {
			req.Context["value"] = float64(review.Charge.Amount) / 100
		}
		req.Context["review_reason"] = string(review.OpenedReason)
		return req, true
	}
	return nil, false
}

// requestFromMetadata builds an ingest request from the savvy_* metadata the
// platform stamps on every Stripe charge.
func requestFromMetadata(meta map[string]string, eventType shield.EventType) *shield.IngestRequest {
	return &shield.IngestRequest{
		Type:    eventType,
		UserID:  meta["savvy_user_id"],
		App:     meta["savvy_app"],
		Level:   meta["savvy_level"],
		Context: map[string]any{},
	}
}
