package reseller

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go_certorch/internal/provider"
)

const (
	signatureHeader = "X-Reseller-Signature"
	timestampHeader = "X-Reseller-Timestamp"
	eventIDHeader   = "X-Reseller-Event-Id"

	signatureTolerance = 5 * time.Minute
)

type webhookBody struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	OrderID string `json:"orderId"`
}

// VerifyWebhook checks the HMAC-SHA256 signature over "<timestamp>.<body>"
// and rejects stale timestamps.
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) (*provider.Signal, error) {
	if len(a.webhookSecret) == 0 {
		return nil, errors.New("webhook secret not configured")
	}

	ts := header.Get(timestampHeader)
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s header", timestampHeader)
	}
	skew := a.now().Sub(time.Unix(sec, 0))
	if skew > signatureTolerance || skew < -signatureTolerance {
		return nil, fmt.Errorf("webhook timestamp outside tolerance: %s", skew)
	}

	got, err := hex.DecodeString(header.Get(signatureHeader))
	if err != nil || len(got) == 0 {
		return nil, fmt.Errorf("invalid %s header", signatureHeader)
	}
	if !hmac.Equal(got, Sign(a.webhookSecret, ts, body)) {
		return nil, errors.New("webhook signature mismatch")
	}

	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("invalid webhook body: %w", err)
	}
	if wb.OrderID == "" {
		return nil, errors.New("webhook body has no orderId")
	}
	id := wb.ID
	if id == "" {
		id = header.Get(eventIDHeader)
	}
	return &provider.Signal{ID: id, ProviderCertificateID: wb.OrderID, Event: wb.Event}, nil
}

// Sign computes the signature the reseller sends for body at timestamp ts
func Sign(secret []byte, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
