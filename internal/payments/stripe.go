package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StripeVerifier implements Stripe's webhook signature scheme: the
// Stripe-Signature header carries a timestamp and one or more v1 HMAC-SHA256
// signatures computed over "<timestamp>.<payload>".
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance, now: time.Now}
}

func (v *StripeVerifier) Gateway() string { return "stripe" }

func (v *StripeVerifier) Verify(payload []byte, header http.Header) error {
	sigHeader := header.Get("Stripe-Signature")
	if sigHeader == "" {
		return fmt.Errorf("%w: missing Stripe-Signature header", ErrSignatureInvalid)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(sigHeader, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = val
		case "v1":
			signatures = append(signatures, val)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed Stripe-Signature header", ErrSignatureInvalid)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			AmountTotal   int64             `json:"amount_total"`
			Currency      string            `json:"currency"`
			PaymentStatus string            `json:"payment_status"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Parse reads a checkout.session.completed event. The account id and
// purchased credit amount travel in the session metadata, set when the
// checkout session was created.
func (v *StripeVerifier) Parse(payload []byte) (*Event, error) {
	var evt stripeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}

	obj := evt.Data.Object
	accountID := obj.Metadata["account_id"]
	if accountID == "" {
		return nil, fmt.Errorf("%w: missing account_id metadata", ErrMalformedPayload)
	}
	credits, err := strconv.ParseInt(obj.Metadata["credits"], 10, 64)
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid credits metadata", ErrMalformedPayload)
	}

	return &Event{
		ExternalEventID: evt.ID,
		AccountID:       accountID,
		Credits:         credits,
		AmountMinor:     obj.AmountTotal,
		Currency:        strings.ToUpper(obj.Currency),
		Succeeded:       evt.Type == "checkout.session.completed" && obj.PaymentStatus == "paid",
	}, nil
}
