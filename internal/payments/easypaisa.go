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
)

// EasypaisaVerifier implements the Easypaisa postback check: the signature
// is sha256 over the auth token id, the amount, the order reference and the
// store password, concatenated in that order and hex encoded.
type EasypaisaVerifier struct {
	password string
}

func NewEasypaisaVerifier(password string) *EasypaisaVerifier {
	return &EasypaisaVerifier{password: password}
}

func (v *EasypaisaVerifier) Gateway() string { return "easypaisa" }

type easypaisaPayload struct {
	AuthTokenID    string `json:"auth_token_id"`
	OrderRefNumber string `json:"orderRefNumber"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	ResponseCode   string `json:"responseCode"`
	Signature      string `json:"signature"`
	AccountID      string `json:"accountId"`
	Credits        string `json:"credits"`
}

func (v *EasypaisaVerifier) Verify(payload []byte, _ http.Header) error {
	var p easypaisaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if p.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrSignatureInvalid)
	}

	sum := sha256.Sum256([]byte(p.AuthTokenID + p.Amount + p.OrderRefNumber + v.password))
	expected := hex.EncodeToString(sum[:])

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(p.Signature))) {
		return ErrSignatureInvalid
	}
	return nil
}

func (v *EasypaisaVerifier) Parse(payload []byte) (*Event, error) {
	var p easypaisaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.OrderRefNumber == "" {
		return nil, fmt.Errorf("%w: missing orderRefNumber", ErrMalformedPayload)
	}
	if p.AccountID == "" {
		return nil, fmt.Errorf("%w: missing accountId", ErrMalformedPayload)
	}
	credits, err := strconv.ParseInt(p.Credits, 10, 64)
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid credits", ErrMalformedPayload)
	}

	// amount arrives in rupees with optional decimals; store minor units
	amountMinor := int64(0)
	if amt, err := strconv.ParseFloat(p.Amount, 64); err == nil {
		amountMinor = int64(amt * 100)
	}

	currency := p.Currency
	if currency == "" {
		currency = "PKR"
	}

	return &Event{
		ExternalEventID: p.OrderRefNumber,
		AccountID:       p.AccountID,
		Credits:         credits,
		AmountMinor:     amountMinor,
		Currency:        currency,
		Succeeded:       p.ResponseCode == "0000",
	}, nil
}
