package webhook

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

const (
	ProviderWompi  = "wompi"
	ProviderEpayco = "epayco"
)

// Status is the normalized gateway outcome.
type Status string

const (
	StatusApproved Status = "approved"
	StatusFailed   Status = "failed"
	StatusPending  Status = "pending"
)

// Notification is a verified gateway event reduced to what fulfillment needs.
type Notification struct {
	Provider      string
	EventID       string
	EventType     string
	OrderRef      string
	TransactionID string
	PaymentMethod string
	Status        Status
	RawStatus     string
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func equalHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

type wompiEvent struct {
	Event     string                     `json:"event"`
	Data      map[string]json.RawMessage `json:"data"`
	Signature struct {
		Properties []string `json:"properties"`
		Checksum   string   `json:"checksum"`
	} `json:"signature"`
	Timestamp json.Number `json:"timestamp"`
}

type wompiTransaction struct {
	ID                string      `json:"id"`
	Reference         string      `json:"reference"`
	Status            string      `json:"status"`
	PaymentMethodType string      `json:"payment_method_type"`
	AmountInCents     json.Number `json:"amount_in_cents"`
	Currency          string      `json:"currency"`
}

// ParseWompi verifies a Wompi event: checksum = sha256(values of signature.properties + timestamp + secret).
func ParseWompi(raw []byte, eventsSecret string) (Notification, error) {
	var ev wompiEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Signature.Checksum == "" || len(ev.Signature.Properties) == 0 {
		return Notification{}, fmt.Errorf("%w: missing signature", ErrMalformedEvent)
	}

	var data map[string]any
	{
		b, _ := json.Marshal(ev.Data)
		d := json.NewDecoder(bytes.NewReader(b))
		d.UseNumber()
		if err := d.Decode(&data); err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}

	var sb strings.Builder
	for _, prop := range ev.Signature.Properties {
		v, ok := lookupPath(data, prop)
		if !ok {
			return Notification{}, fmt.Errorf("%w: signature property %s not found", ErrMalformedEvent, prop)
		}
		sb.WriteString(v)
	}
	sb.WriteString(ev.Timestamp.String())
	sb.WriteString(eventsSecret)
	if !equalHex(sha256Hex(sb.String()), ev.Signature.Checksum) {
		return Notification{}, ErrInvalidSignature
	}

	var tx wompiTransaction
	if err := json.Unmarshal(ev.Data["transaction"], &tx); err != nil || tx.ID == "" {
		return Notification{}, fmt.Errorf("%w: missing transaction", ErrMalformedEvent)
	}

	n := Notification{
		Provider:      ProviderWompi,
		EventID:       tx.ID + ":" + tx.Status,
		EventType:     ev.Event,
		OrderRef:      tx.Reference,
		TransactionID: tx.ID,
		RawStatus:     tx.Status,
	}
	if tx.PaymentMethodType != "" {
		n.PaymentMethod = "WOMPI_" + strings.ToUpper(tx.PaymentMethodType)
	}
	switch tx.Status {
	case "APPROVED":
		n.Status = StatusApproved
	case "DECLINED", "ERROR", "VOIDED":
		n.Status = StatusFailed
	default:
		n.Status = StatusPending
	}
	return n, nil
}

func lookupPath(data map[string]any, path string) (string, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	case nil:
		return "", true
	}
	return fmt.Sprint(cur), true
}

// EpaycoSignature is sha256(custId^pKey^ref_payco^transaction_id^amount^currency).
func EpaycoSignature(custID, pKey, refPayco, transactionID, amount, currency string) string {
	return sha256Hex(strings.Join([]string{custID, pKey, refPayco, transactionID, amount, currency}, "^"))
}

// ParseEpayco verifies an ePayco confirmation form.
func ParseEpayco(form url.Values, custID, pKey string) (Notification, error) {
	ref := form.Get("x_ref_payco")
	txID := form.Get("x_transaction_id")
	if ref == "" || txID == "" || form.Get("x_signature") == "" {
		return Notification{}, fmt.Errorf("%w: missing ref_payco, transaction id or signature", ErrMalformedEvent)
	}
	want := EpaycoSignature(custID, pKey, ref, txID, form.Get("x_amount"), form.Get("x_currency_code"))
	if !equalHex(want, form.Get("x_signature")) {
		return Notification{}, ErrInvalidSignature
	}

	code := form.Get("x_cod_response")
	n := Notification{
		Provider:      ProviderEpayco,
		EventID:       ref + ":" + code,
		EventType:     "confirmation",
		OrderRef:      form.Get("x_id_invoice"),
		TransactionID: txID,
		RawStatus:     form.Get("x_response"),
	}
	if n.OrderRef == "" {
		n.OrderRef = form.Get("x_extra1")
	}
	switch f := strings.ToUpper(form.Get("x_franchise")); f {
	case "":
	case "PP", "PAYPAL":
		n.PaymentMethod = "EPAYCO_PAYPAL"
	default:
		n.PaymentMethod = "EPAYCO_" + f
	}
	switch code {
	case "1":
		n.Status = StatusApproved
	case "2", "4":
		n.Status = StatusFailed
	default:
		n.Status = StatusPending
	}
	return n, nil
}
