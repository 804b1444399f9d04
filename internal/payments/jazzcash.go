package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// JazzCashVerifier implements the JazzCash secure hash: HMAC-SHA256 over the
// integrity salt followed by the ampersand-joined values of every non-empty
// pp_ field (sorted by key, pp_SecureHash excluded), uppercase hex encoded.
// The hash travels inside the payload rather than a header.
type JazzCashVerifier struct {
	integritySalt string
}

func NewJazzCashVerifier(integritySalt string) *JazzCashVerifier {
	return &JazzCashVerifier{integritySalt: integritySalt}
}

func (v *JazzCashVerifier) Gateway() string { return "jazzcash" }

func (v *JazzCashVerifier) Verify(payload []byte, _ http.Header) error {
	fields, err := jazzCashFields(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	provided := fields["pp_SecureHash"]
	if provided == "" {
		return fmt.Errorf("%w: missing pp_SecureHash", ErrSignatureInvalid)
	}

	if !hmac.Equal([]byte(v.secureHash(fields)), []byte(strings.ToUpper(provided))) {
		return ErrSignatureInvalid
	}
	return nil
}

func (v *JazzCashVerifier) secureHash(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k, val := range fields {
		if k == "pp_SecureHash" || val == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, v.integritySalt)
	for _, k := range keys {
		parts = append(parts, fields[k])
	}

	mac := hmac.New(sha256.New, []byte(v.integritySalt))
	mac.Write([]byte(strings.Join(parts, "&")))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// Parse maps the JazzCash response fields. The account id and credit amount
// ride in the pp_ppmpf_n passthrough fields, echoed back from the original
// payment request. Amount is already in paisa (minor units).
func (v *JazzCashVerifier) Parse(payload []byte) (*Event, error) {
	fields, err := jazzCashFields(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	txnRef := fields["pp_TxnRefNo"]
	if txnRef == "" {
		return nil, fmt.Errorf("%w: missing pp_TxnRefNo", ErrMalformedPayload)
	}
	accountID := fields["pp_ppmpf_1"]
	if accountID == "" {
		return nil, fmt.Errorf("%w: missing pp_ppmpf_1 account reference", ErrMalformedPayload)
	}
	credits, err := strconv.ParseInt(fields["pp_ppmpf_2"], 10, 64)
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid pp_ppmpf_2 credit amount", ErrMalformedPayload)
	}

	amount, _ := strconv.ParseInt(fields["pp_Amount"], 10, 64)

	currency := fields["pp_TxnCurrency"]
	if currency == "" {
		currency = "PKR"
	}

	return &Event{
		ExternalEventID: txnRef,
		AccountID:       accountID,
		Credits:         credits,
		AmountMinor:     amount,
		Currency:        currency,
		Succeeded:       fields["pp_ResponseCode"] == "000",
	}, nil
}

func jazzCashFields(payload []byte) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw))
	for k, val := range raw {
		switch t := val.(type) {
		case string:
			fields[k] = t
		case float64:
			fields[k] = strconv.FormatInt(int64(t), 10)
		}
	}
	return fields, nil
}
