package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/talkstudio/voice-backend/internal/models"
)

// Dispatcher posts signed JSON events to a configured callback URL. Events
// are buffered on a channel and delivered by a single background loop so
// callers never block on the remote endpoint.
type Dispatcher struct {
	url        string
	secret     string
	httpClient *http.Client
	deliveries chan delivery
}

type delivery struct {
	Event   string
	Payload []byte
}

func NewDispatcher(url, secret string) *Dispatcher {
	d := &Dispatcher{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		deliveries: make(chan delivery, 1000),
	}
	go d.processLoop()
	return d
}

func (d *Dispatcher) JobFinished(_ context.Context, job *models.GenerationJob) {
	d.enqueue("generation."+string(job.State), map[string]any{
		"job_id":         job.ID,
		"account_id":     job.AccountID,
		"state":          job.State,
		"credit_cost":    job.CreditCost,
		"failure_reason": job.FailureReason,
		"artifact_url":   job.ArtifactURL,
	})
}

func (d *Dispatcher) PaymentProcessed(_ context.Context, event *models.PaymentEvent) {
	d.enqueue("payment.processed", map[string]any{
		"event_id":          event.ID,
		"gateway":           event.Gateway,
		"external_event_id": event.ExternalEventID,
		"account_id":        event.AccountID,
		"credits":           event.CreditsPurchased,
		"amount_paid":       event.AmountPaid,
		"currency":          event.Currency,
	})
}

func (d *Dispatcher) enqueue(event string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal notification", "event", event, "error", err)
		return
	}
	select {
	case d.deliveries <- delivery{Event: event, Payload: data}:
	default:
		slog.Warn("notification queue full, dropping", "event", event)
	}
}

func (d *Dispatcher) processLoop() {
	for req := range d.deliveries {
		d.deliver(req)
	}
}

func (d *Dispatcher) deliver(req delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", d.url, bytes.NewReader(req.Payload))
	if err != nil {
		slog.Error("notification request creation failed", "error", err)
		return
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Callback-Event", req.Event)
	httpReq.Header.Set("X-Callback-Signature", sign(req.Payload, d.secret))

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("notification delivery failed", "event", req.Event, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("notification received non-success response", "event", req.Event, "status", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}
