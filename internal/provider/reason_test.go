package provider

import (
	"errors"
	"testing"

	"go_certorch/internal/certerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRevocationReason(t *testing.T) {
	tests := []struct {
		in       string
		wantCode int
		wantErr  bool
	}{
		{in: "unspecified", wantCode: 0},
		{in: "keyCompromise", wantCode: 1},
		{in: "cACompromise", wantCode: 2},
		{in: "affiliationChanged", wantCode: 3},
		{in: "superseded", wantCode: 4},
		{in: "cessationOfOperation", wantCode: 5},
		{in: "certificateHold", wantCode: 6},
		{in: "removeFromCRL", wantCode: 8},
		{in: "privilegeWithdrawn", wantErr: true},
		{in: "KeyCompromise", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := ParseRevocationReason(tt.in)
			if tt.wantErr {
				var verr *certerr.ValidationError
				require.True(t, errors.As(err, &verr))
				assert.Equal(t, "reason", verr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, r.Code())
		})
	}
}

func TestRevocationReasonsOrderedByCode(t *testing.T) {
	got := RevocationReasons()
	require.Len(t, got, 8)
	assert.Equal(t, "unspecified", got[0])
	assert.Equal(t, "removeFromCRL", got[7])
}
