package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNotification(outcome Outcome) *Notification {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	n := &Notification{
		CycleID:        "abc",
		Organization:   "Test Org",
		Outcome:        outcome,
		StartedAt:      start,
		FinishedAt:     start.Add(95 * time.Second),
		Members:        12,
		Participations: 40,
		Solves:         900,
	}
	if outcome == OutcomeFailed {
		n.Error = "roster page 1: malformed upstream response"
	}
	return n
}

type recorded struct {
	body    []byte
	headers http.Header
}

func capture(t *testing.T, status int) (*httptest.Server, chan recorded) {
	t.Helper()
	ch := make(chan recorded, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- recorded{body: body, headers: r.Header.Clone()}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func TestNotification_Text(t *testing.T) {
	ok := sampleNotification(OutcomeCommitted)
	assert.Equal(t, "Test Org refresh committed", ok.Title())
	assert.Contains(t, ok.Summary(), "12 members")
	assert.Contains(t, ok.Summary(), "1m35s")

	failed := sampleNotification(OutcomeFailed)
	assert.Equal(t, "Test Org refresh failed", failed.Title())
	assert.Contains(t, failed.Summary(), "malformed upstream response")
}

func TestWebhook_SignsBody(t *testing.T) {
	srv, ch := capture(t, http.StatusNoContent)
	w := NewWebhook(srv.URL, "s3cret")

	require.NoError(t, w.Send(context.Background(), sampleNotification(OutcomeCommitted)))

	got := <-ch
	assert.Equal(t, "sha256="+Sign("s3cret", got.body), got.headers.Get(SignatureHeader))

	var n Notification
	require.NoError(t, json.Unmarshal(got.body, &n))
	assert.Equal(t, "abc", n.CycleID)
	assert.Equal(t, OutcomeCommitted, n.Outcome)
}

func TestWebhook_NoSecretNoSignature(t *testing.T) {
	srv, ch := capture(t, http.StatusOK)
	require.NoError(t, NewWebhook(srv.URL, "").Send(context.Background(), sampleNotification(OutcomeFailed)))

	got := <-ch
	assert.Empty(t, got.headers.Get(SignatureHeader))
}

func TestSlack_Payload(t *testing.T) {
	srv, ch := capture(t, http.StatusOK)
	require.NoError(t, NewSlack(srv.URL).Send(context.Background(), sampleNotification(OutcomeFailed)))

	got := <-ch
	var payload struct {
		Blocks []map[string]any `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(got.body, &payload))
	require.Len(t, payload.Blocks, 3)
	assert.Equal(t, "header", payload.Blocks[0]["type"])
}

func TestDiscord_ErrorStatus(t *testing.T) {
	srv, _ := capture(t, http.StatusBadRequest)
	err := NewDiscord(srv.URL).Send(context.Background(), sampleNotification(OutcomeCommitted))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

type fakeNotifier struct {
	name string
	err  error
	sent int
}

func (f *fakeNotifier) Name() string { return f.name }
func (f *fakeNotifier) Send(context.Context, *Notification) error {
	f.sent++
	return f.err
}

func TestManager_BroadcastJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &fakeNotifier{name: "a"}
	b := &fakeNotifier{name: "b", err: boom}
	c := &fakeNotifier{name: "c"}
	m := NewManager([]Notifier{a, b, c})

	err := m.Broadcast(context.Background(), sampleNotification(OutcomeFailed))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "b: boom")
	assert.Equal(t, 1, a.sent)
	assert.Equal(t, 1, c.sent)
	assert.True(t, m.HasNotifiers())
}

func TestManager_Nil(t *testing.T) {
	var m *Manager
	assert.False(t, m.HasNotifiers())
	assert.NoError(t, m.Broadcast(context.Background(), sampleNotification(OutcomeCommitted)))
}
