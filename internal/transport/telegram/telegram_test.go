package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"batchcast/internal/transport"
	logx "batchcast/pkg/logx"
)

// fakeAPI answers sendMessage according to the target chat id.
type fakeAPI struct {
	mu    sync.Mutex
	sent  []string
	chats []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	chat := fmt.Sprint(body["chat_id"])
	text := fmt.Sprint(body["text"])

	w.Header().Set("Content-Type", "application/json")
	switch chat {
	case "403":
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	case "404":
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	case "429":
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`))
	case "500":
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":500,"description":"Internal Server Error"}`))
	default:
		f.mu.Lock()
		f.sent = append(f.sent, text)
		f.chats = append(f.chats, chat)
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":1,"date":1736154000,"chat":{"id":%s,"type":"private"},"text":"ok"}}`, chat)
	}
}

func (f *fakeAPI) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:test", APIURL: srv.URL, Offline: true}, logx.Nop())
	require.NoError(t, err)
	return a, api
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Offline: true}, logx.Nop())
	require.Error(t, err)
}

func TestSendOutcomes(t *testing.T) {
	a, api := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, 42, "hello"))
	assert.Equal(t, []string{"hello"}, api.messages())

	o, _ := transport.Classify(a.Send(ctx, 403, "x"))
	assert.Equal(t, transport.PermanentFailure, o)

	o, _ = transport.Classify(a.Send(ctx, 404, "x"))
	assert.Equal(t, transport.PermanentFailure, o)

	o, wait := transport.Classify(a.Send(ctx, 429, "x"))
	assert.Equal(t, transport.RateLimited, o)
	assert.Equal(t, 7*time.Second, wait)

	o, _ = transport.Classify(a.Send(ctx, 500, "x"))
	assert.Equal(t, transport.TransientError, o)
}

func TestSendSplitsLongText(t *testing.T) {
	a, api := newTestAdapter(t)
	text := strings.Repeat("a", textLimit) + "\n" + strings.Repeat("b", 10)
	require.NoError(t, a.Send(context.Background(), 42, text))
	got := api.messages()
	require.Len(t, got, 2)
	assert.Equal(t, strings.Repeat("a", textLimit), got[0])
	assert.Equal(t, strings.Repeat("b", 10), got[1])
}

func TestSendHonoursCancelledContext(t *testing.T) {
	a, api := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Send(ctx, 42, "x"), context.Canceled)
	assert.Empty(t, api.messages())
}

func TestClassifySentinels(t *testing.T) {
	for _, err := range []error{
		tele.ErrBlockedByUser,
		tele.ErrUserIsDeactivated,
		tele.ErrChatNotFound,
		fmt.Errorf("telebot: %w", tele.ErrBlockedByUser),
		errors.New("telegram: Forbidden: bot was kicked from the supergroup chat (403)"),
	} {
		assert.True(t, transport.IsPermanent(classify(err)), "%v", err)
	}

	o, wait := transport.Classify(classify(tele.FloodError{RetryAfter: 3}))
	assert.Equal(t, transport.RateLimited, o)
	assert.Equal(t, 3*time.Second, wait)

	o, wait = transport.Classify(classify(&tele.FloodError{RetryAfter: 2}))
	assert.Equal(t, transport.RateLimited, o)
	assert.Equal(t, 2*time.Second, wait)

	o, _ = transport.Classify(classify(errors.New("connection reset by peer")))
	assert.Equal(t, transport.TransientError, o)
	assert.Nil(t, classify(nil))
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	got := splitText("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, got)

	got = splitText(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, got)

	// multibyte runes are never cut in half
	got = splitText(strings.Repeat("é", 12), 5)
	require.Len(t, got, 3)
	assert.Equal(t, strings.Repeat("é", 5), got[0])
}

type fakeRegistrar struct {
	got    chan transport.Registration
	groups []string
}

func (f *fakeRegistrar) Register(_ context.Context, r transport.Registration) (string, error) {
	f.got <- r
	return "welcome", nil
}

func (f *fakeRegistrar) GroupNames(context.Context) ([]string, error) { return f.groups, nil }

func TestRegistrationCommands(t *testing.T) {
	a, api := newTestAdapter(t)
	reg := &fakeRegistrar{got: make(chan transport.Registration, 4), groups: []string{"1st Year"}}
	a.registerHandlers(context.Background(), reg)

	update := func(text string) tele.Update {
		return tele.Update{Message: &tele.Message{
			Text:   text,
			Chat:   &tele.Chat{ID: 77, Type: tele.ChatPrivate},
			Sender: &tele.User{ID: 77, Username: "ana"},
		}}
	}

	a.bot.ProcessUpdate(update("/join 1st Year"))
	select {
	case r := <-reg.got:
		assert.Equal(t, transport.Registration{ChatID: 77, Username: "ana", Group: "1st Year"}, r)
	case <-time.After(2 * time.Second):
		t.Fatal("registration not delivered")
	}

	a.bot.ProcessUpdate(update("/start"))
	select {
	case r := <-reg.got:
		assert.Empty(t, r.Group)
	case <-time.After(2 * time.Second):
		t.Fatal("registration not delivered")
	}

	require.Eventually(t, func() bool { return len(api.messages()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "welcome", api.messages()[0])
}
