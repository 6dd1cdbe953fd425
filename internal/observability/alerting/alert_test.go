package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "QueryPilot/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: "X", Severity: xerrors.SeverityCritical})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel b")
	assert.Len(t, a.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, []Channel{"a", "b"}, d.Channels())
}

func TestFanoutFiltersBySeverity(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	d := NewFanout(a).WithMinSeverity(xerrors.SeverityWarning)

	require.NoError(t, d.Notify(context.Background(), Event{Severity: xerrors.SeverityInfo}))
	require.NoError(t, d.Notify(context.Background(), Event{Severity: xerrors.SeverityCritical}))
	assert.Len(t, a.events, 1)
}

func TestWebhookNotifierFormats(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		got = nil
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	event := Event{Code: "TASK_RETRIES_EXHAUSTED", Severity: xerrors.SeverityCritical, TaskID: "job-1", Attempts: 3, MaxRetries: 3, Message: "model down"}

	slack := &WebhookNotifier{URL: srv.URL, Format: ChannelSlack}
	require.NoError(t, slack.Notify(context.Background(), event))
	assert.Equal(t, ChannelSlack, slack.Channel())
	assert.Equal(t, event.Summary(), got["text"])

	ding := &WebhookNotifier{URL: srv.URL, Format: ChannelDingTalk}
	require.NoError(t, ding.Notify(context.Background(), event))
	assert.Equal(t, "text", got["msgtype"])

	plain := &WebhookNotifier{URL: srv.URL}
	require.NoError(t, plain.Notify(context.Background(), event))
	assert.Equal(t, ChannelWebhook, plain.Channel())
	assert.Equal(t, "job-1", got["task_id"])
}

func TestWebhookNotifierReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{})
	assert.Error(t, err)
}

func TestLogNotifierNeverFails(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), Event{Metadata: map[string]string{"stage": "terminal"}}))
}
