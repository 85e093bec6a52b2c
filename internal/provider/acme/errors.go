package acme

import (
	"context"
	"errors"
	"net/http"
	"strings"

	xacme "golang.org/x/crypto/acme"

	"go_certorch/internal/certerr"
)

// translate maps ACME client errors onto the certerr taxonomy. Problem
// documents the CA answers with are request errors, except rate limits and
// server faults, which are worth retrying elsewhere or later.
func translate(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if certerr.IsRetryable(err) || certerr.IsTerminal(err) {
		return err
	}
	var ve *certerr.ValidationError
	if errors.As(err, &ve) {
		return err
	}

	var ae *xacme.Error
	if errors.As(err, &ae) {
		if strings.HasSuffix(ae.ProblemType, ":alreadyRevoked") {
			return &certerr.InvalidStateError{Current: "revoked", Operation: "revoke"}
		}
		switch {
		case ae.StatusCode == http.StatusTooManyRequests,
			ae.StatusCode >= 500,
			strings.HasSuffix(ae.ProblemType, ":rateLimited"),
			strings.HasSuffix(ae.ProblemType, ":badNonce"),
			ae.StatusCode == http.StatusUnauthorized:
			return &certerr.ProviderUnavailableError{Provider: provider, Err: err}
		}
		return &certerr.ProviderRequestError{Provider: provider, Err: err}
	}
	// anything else failed before the CA answered
	return &certerr.ProviderUnavailableError{Provider: provider, Err: err}
}

// problemText renders an ACME problem the way the CA worded it
func problemText(err error) string {
	if err == nil {
		return ""
	}
	var ae *xacme.Error
	if errors.As(err, &ae) && ae.Detail != "" {
		return ae.Detail
	}
	return err.Error()
}
