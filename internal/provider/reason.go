package provider

import (
	"sort"

	"go_certorch/internal/certerr"
)

// RevocationReason is an RFC 5280 CRLReason
type RevocationReason string

const (
	ReasonUnspecified          RevocationReason = "unspecified"
	ReasonKeyCompromise        RevocationReason = "keyCompromise"
	ReasonCACompromise         RevocationReason = "cACompromise"
	ReasonAffiliationChanged   RevocationReason = "affiliationChanged"
	ReasonSuperseded           RevocationReason = "superseded"
	ReasonCessationOfOperation RevocationReason = "cessationOfOperation"
	ReasonCertificateHold      RevocationReason = "certificateHold"
	ReasonRemoveFromCRL        RevocationReason = "removeFromCRL"
)

// reasonCodes maps the accepted reasons to their RFC 5280 numeric codes (7 is unused)
var reasonCodes = map[RevocationReason]int{
	ReasonUnspecified:          0,
	ReasonKeyCompromise:        1,
	ReasonCACompromise:         2,
	ReasonAffiliationChanged:   3,
	ReasonSuperseded:           4,
	ReasonCessationOfOperation: 5,
	ReasonCertificateHold:      6,
	ReasonRemoveFromCRL:        8,
}

// ParseRevocationReason accepts only the fixed RFC 5280 names
func ParseRevocationReason(s string) (RevocationReason, error) {
	r := RevocationReason(s)
	if _, ok := reasonCodes[r]; !ok {
		return "", certerr.Invalid("reason", "%q is not an RFC 5280 revocation reason", s)
	}
	return r, nil
}

// Code returns the numeric CRLReason code
func (r RevocationReason) Code() int {
	return reasonCodes[r]
}

// Valid reports whether r belongs to the accepted set
func (r RevocationReason) Valid() bool {
	_, ok := reasonCodes[r]
	return ok
}

// RevocationReasons lists the accepted names ordered by code
func RevocationReasons() []string {
	out := make([]string, 0, len(reasonCodes))
	for r := range reasonCodes {
		out = append(out, string(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return reasonCodes[RevocationReason(out[i])] < reasonCodes[RevocationReason(out[j])]
	})
	return out
}
