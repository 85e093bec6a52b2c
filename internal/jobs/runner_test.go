package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_RejectsBadSchedule(t *testing.T) {
	r := NewRunner(logrus.NewEntry(logrus.New()))
	err := r.Add("broken", "not a schedule", 0, func(context.Context) {})
	assert.Error(t, err)
}

func TestRunner_RunsAndStops(t *testing.T) {
	r := NewRunner(logrus.NewEntry(logrus.New()))
	ran := make(chan struct{}, 10)
	require.NoError(t, r.Add("tick", "@every 1s", time.Second, func(ctx context.Context) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		ran <- struct{}{}
	}))

	r.Start()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
	r.Stop()
}
