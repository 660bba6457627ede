package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	name string
	err  error
	got  []Message
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventRunFailed}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), Message{Event: EventRunCompleted, Title: "ok"}))
	require.NoError(t, n.Notify(context.Background(), Message{Event: EventRunFailed, Title: "boom"}))

	require.Len(t, s.got, 1)
	assert.Equal(t, "boom", s.got[0].Title)
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.Notify(context.Background(), Message{Event: EventRunCompleted, Title: "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.got, 1)
}

func TestNilNotifierIsDisabled(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), Message{Title: "x"}))
}

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{
		Level:  LevelError,
		Title:  "run failed",
		Body:   "reconcile: boom",
		Fields: []Field{{Name: "run_id", Value: "abc"}},
	})
	require.NoError(t, err)

	require.Len(t, got.Embeds, 1)
	e := got.Embeds[0]
	assert.Equal(t, "run failed", e.Title)
	assert.Equal(t, "reconcile: boom", e.Description)
	assert.Equal(t, discordColors[LevelError], e.Color)
	require.Len(t, e.Fields, 1)
	assert.Equal(t, "run_id", e.Fields[0].Name)
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestTelegramSenderEscapesHTML(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewTelegramSender("TOKEN", "42").WithAPIURL(srv.URL).Send(context.Background(), Message{
		Title:  "a<b",
		Fields: []Field{{Name: "added", Value: "3"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>a&lt;b</b>\nadded: 3", got["text"])
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockSender) Name() string {
	return m.Called().String(0)
}

func TestNotifierDeliversToEverySender(t *testing.T) {
	msg := Message{Event: EventUnresolved, Level: LevelWarn, Title: "2 tokens unresolved"}

	first := &mockSender{}
	first.On("Send", mock.Anything, msg).Return(errors.New("webhook down")).Once()
	first.On("Name").Return("first").Maybe()
	second := &mockSender{}
	second.On("Send", mock.Anything, msg).Return(nil).Once()
	second.On("Name").Return("second").Maybe()

	n := NewNotifier([]Sender{first, second}, nil, quietLogger())
	err := n.Notify(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.NotContains(t, err.Error(), "second")

	first.AssertExpectations(t)
	second.AssertExpectations(t)
}
