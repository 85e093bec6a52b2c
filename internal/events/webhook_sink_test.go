package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSink_PublishSignsBody(t *testing.T) {
	var gotSig string
	var got webhookPayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		assert.Equal(t, Sign([]byte("s3cret"), body), gotSig)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret", time.Second)
	ev := New(KindCertificateIssued, time.Now())
	ev.CertificateID = 7

	require.NoError(t, sink.Publish(context.Background(), []Event{ev}))
	assert.NotEmpty(t, gotSig)
	require.Len(t, got.Events, 1)
	assert.Equal(t, KindCertificateIssued, got.Events[0].Kind)
	assert.Equal(t, 7, got.Events[0].CertificateID)
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", time.Second)
	err := sink.Publish(context.Background(), []Event{New(KindCertificateFailed, time.Now())})
	assert.Error(t, err)
}

func TestDispatcher_ContinuesPastFailingSink(t *testing.T) {
	rec := &Recorder{}
	failing := SinkFunc(func(context.Context, []Event) error { return assert.AnError })
	d := NewDispatcher(logrus.NewEntry(logrus.New()), failing, rec)

	d.Dispatch(context.Background(), []Event{New(KindCertificateRevoked, time.Now())})

	assert.Equal(t, []Kind{KindCertificateRevoked}, Kinds(rec.Events()))
}
