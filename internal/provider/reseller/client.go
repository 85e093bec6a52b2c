package reseller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go_certorch/internal/certerr"
)

// apiError is the reseller error body
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// do sends one JSON request and decodes the response into result.
// Failures come back already translated into the certerr taxonomy.
func (a *Adapter) do(ctx context.Context, method, path string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &certerr.ProviderUnavailableError{Provider: a.name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &certerr.ProviderUnavailableError{Provider: a.name, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 300 {
		return a.translateStatus(resp.StatusCode, path, respBody)
	}
	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return &certerr.ProviderUnavailableError{Provider: a.name, Err: fmt.Errorf("failed to parse response (HTTP %d): %w", resp.StatusCode, err)}
	}
	return nil
}

// translateStatus maps an HTTP failure onto the error taxonomy
func (a *Adapter) translateStatus(status int, path string, body []byte) error {
	ae := &apiError{}
	if err := json.Unmarshal(body, ae); err != nil || ae.Message == "" {
		ae = &apiError{Message: strings.TrimSpace(string(body))}
		if ae.Message == "" {
			ae.Message = http.StatusText(status)
		}
	}

	switch {
	case status == http.StatusConflict && (ae.Code == "already_revoked" || strings.HasSuffix(path, "/revoke")):
		return &certerr.InvalidStateError{Current: "revoked", Operation: "revoke"}
	case status == http.StatusNotFound:
		return &certerr.NotFoundError{Resource: "reseller order", ID: orderIDFromPath(path)}
	case status == http.StatusBadRequest, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return &certerr.ProviderRequestError{Provider: a.name, Err: ae}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &certerr.ProviderUnavailableError{Provider: a.name, Err: fmt.Errorf("authentication rejected: %w", ae)}
	case status == http.StatusTooManyRequests, status >= 500:
		return &certerr.ProviderUnavailableError{Provider: a.name, Err: ae}
	default:
		return &certerr.ProviderRequestError{Provider: a.name, Err: fmt.Errorf("unexpected HTTP %d: %w", status, ae)}
	}
}

// orderIDFromPath pulls the order id out of /v1/orders/{id}/...
func orderIDFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/v1/orders/")
	if rest == path {
		return path
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
