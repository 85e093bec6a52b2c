package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestDispatcher_FailingSinkDoesNotStopOthers(t *testing.T) {
	logger, hook := test.NewNullLogger()
	failing := SinkFunc(func(context.Context, []Event) error { return errors.New("down") })
	rec := &Recorder{}

	d := NewDispatcher(logrus.NewEntry(logger), failing, rec)
	evs := []Event{New(KindCertificateIssued, time.Now()), New(KindCertificateRevoked, time.Now())}
	d.Dispatch(context.Background(), evs)

	assert.Equal(t, []Kind{KindCertificateIssued, KindCertificateRevoked}, Kinds(rec.Events()))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestDispatcher_NilAndEmpty(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(context.Background(), []Event{New(KindCertificateIssued, time.Now())})

	rec := &Recorder{}
	NewDispatcher(logrus.NewEntry(logrus.New()), rec).Dispatch(context.Background(), nil)
	assert.Empty(t, rec.Events())
}

func TestLogSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ev := New(KindCertificateFailed, time.Now())
	ev.CertificateID = 4
	ev.Provider = "acme"

	assert.NoError(t, NewLogSink(logrus.NewEntry(logger)).Publish(context.Background(), []Event{ev}))
	entry := hook.LastEntry()
	assert.Equal(t, KindCertificateFailed, entry.Data["kind"])
	assert.Equal(t, 4, entry.Data["certificate_id"])
	assert.Equal(t, "events", entry.Data["component"])
}

func TestNewAssignsIDs(t *testing.T) {
	a := New(KindCertificateIssued, time.Now())
	b := New(KindCertificateIssued, time.Now())
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}
