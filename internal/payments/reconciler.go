package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/ledger"
	"github.com/talkstudio/voice-backend/internal/models"
	"github.com/talkstudio/voice-backend/internal/notify"
)

// Reconciler turns verified webhooks into ledger credits. Exactly-once
// crediting rests on two layers: the processed flag on the persisted event,
// and the ledger's (reason, reference) idempotency underneath it. Either
// alone suffices; together a redelivery can never double-credit.
type Reconciler struct {
	store     EventStore
	ledger    ledger.Ledger
	notifier  notify.Notifier
	verifiers map[string]Verifier

	gracePeriod time.Duration
}

func NewReconciler(store EventStore, l ledger.Ledger, notifier notify.Notifier, gracePeriod time.Duration, verifiers ...Verifier) *Reconciler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if gracePeriod <= 0 {
		gracePeriod = 2 * time.Minute
	}
	r := &Reconciler{
		store:       store,
		ledger:      l,
		notifier:    notifier,
		verifiers:   make(map[string]Verifier, len(verifiers)),
		gracePeriod: gracePeriod,
	}
	for _, v := range verifiers {
		r.verifiers[v.Gateway()] = v
	}
	return r
}

// HandleWebhook processes one gateway delivery. A nil return means the
// delivery is accepted: either fully credited, a duplicate, or persisted
// for the sweep to retry. Only signature and parse failures are returned,
// so the gateway redelivers exactly the deliveries we could not trust.
func (r *Reconciler) HandleWebhook(ctx context.Context, gateway string, payload []byte, header http.Header) error {
	verifier, ok := r.verifiers[gateway]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGateway, gateway)
	}

	if err := verifier.Verify(payload, header); err != nil {
		slog.Warn("webhook signature rejected", "gateway", gateway, "error", err)
		return err
	}

	evt, err := verifier.Parse(payload)
	if err != nil {
		slog.Warn("webhook payload rejected", "gateway", gateway, "error", err)
		return err
	}

	accountID, err := uuid.Parse(evt.AccountID)
	if err != nil {
		return fmt.Errorf("%w: bad account reference %q", ErrMalformedPayload, evt.AccountID)
	}

	// duplicate delivery of an already-credited event
	existing, err := r.store.GetByExternalID(ctx, gateway, evt.ExternalEventID)
	if err != nil && !errors.Is(err, ErrEventNotFound) {
		return err
	}
	if existing != nil && existing.Processed {
		slog.Info("duplicate webhook delivery ignored", "gateway", gateway, "external_event_id", evt.ExternalEventID)
		return nil
	}

	record := existing
	if record == nil {
		record = &models.PaymentEvent{
			Gateway:          gateway,
			ExternalEventID:  evt.ExternalEventID,
			AccountID:        accountID,
			CreditsPurchased: evt.Credits,
			AmountPaid:       evt.AmountMinor,
			Currency:         evt.Currency,
			Verified:         evt.Succeeded,
		}
		if err := r.store.Insert(ctx, record); err != nil {
			return err
		}
	}

	if !evt.Succeeded {
		// persisted for audit; never credited
		slog.Info("non-settled payment event recorded", "gateway", gateway, "external_event_id", evt.ExternalEventID)
		return nil
	}

	if err := r.credit(ctx, record); err != nil {
		// accepted for retry: the sweep re-drives it, the gateway must not
		slog.Error("payment credit failed, left for sweep", "gateway", gateway,
			"external_event_id", evt.ExternalEventID, "error", err)
	}
	return nil
}

// Sweep retries crediting for verified events that stayed unprocessed past
// the grace period. Safe to run from multiple workers: the credit and the
// processed flag are both idempotent.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.gracePeriod)
	events, err := r.store.Unprocessed(ctx, cutoff, 100)
	if err != nil {
		return err
	}

	var firstErr error
	for i := range events {
		evt := events[i]
		if err := r.credit(ctx, &evt); err != nil {
			slog.Error("sweep credit failed", "external_event_id", evt.ExternalEventID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			slog.Info("sweep recovered payment event", "gateway", evt.Gateway, "external_event_id", evt.ExternalEventID)
		}
	}
	return firstErr
}

// credit lands the purchase in the ledger and marks the event processed.
// A duplicate reference means the credit already landed on an earlier
// attempt that died before flipping the flag; that is success.
func (r *Reconciler) credit(ctx context.Context, event *models.PaymentEvent) error {
	_, err := r.ledger.Credit(ctx, event.AccountID, event.CreditsPurchased,
		models.ReasonPurchaseCredit, event.ExternalEventID)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
		return fmt.Errorf("credit purchase %s: %w", event.ExternalEventID, err)
	}

	if err := r.store.MarkProcessed(ctx, event.ID); err != nil {
		return err
	}
	event.Processed = true

	r.notifier.PaymentProcessed(ctx, event)
	return nil
}
