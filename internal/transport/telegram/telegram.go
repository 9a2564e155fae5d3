// Package telegram implements transport.Sender on the Telegram Bot API
// (gopkg.in/telebot.v4) and serves the recipient self-registration commands.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	rtsup "batchcast/internal/runtime/supervisor"
	"batchcast/internal/transport"
	logx "batchcast/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (local bot API server, tests).
	APIURL      string
	PollTimeout time.Duration
	// Offline skips the getMe call at construction.
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Send delivers text to chatID, splitting messages over the platform limit.
// Errors are classified for the delivery pool (see transport.Classify).
func (a *Adapter) Send(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return classify(err)
		}
	}
	return nil
}

// classify maps telebot errors onto the transport taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := floodWait(err); ok {
		return transport.RetryAfter(errors.New("telegram: too many requests"), wait)
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrKickedFromGroup):
		return transport.Permanent(err)
	}
	if code, ok := apiCode(err); ok && code == 403 {
		return transport.Permanent(err)
	}
	// Unlisted API errors only keep "description (code)" text.
	msg := err.Error()
	for _, s := range permanentDescriptions {
		if strings.Contains(msg, s) {
			return transport.Permanent(err)
		}
	}
	return err
}

var permanentDescriptions = []string{
	"Forbidden:",
	"(403)",
	"chat not found",
	"user is deactivated",
	"PEER_ID_INVALID",
}

// floodWait finds a telebot flood error in the chain without calling its
// Error method, which is unsafe on zero values.
func floodWait(err error) (time.Duration, bool) {
	for e := err; e != nil; e = errors.UnwrapOnce(e) {
		switch f := any(e).(type) {
		case tele.FloodError:
			return time.Duration(f.RetryAfter) * time.Second, true
		case *tele.FloodError:
			if f != nil {
				return time.Duration(f.RetryAfter) * time.Second, true
			}
		}
	}
	return 0, false
}

func apiCode(err error) (int, bool) {
	for e := err; e != nil; e = errors.UnwrapOnce(e) {
		if te, ok := e.(*tele.Error); ok && te != nil {
			return te.Code, true
		}
	}
	return 0, false
}

// Start serves the registration commands until ctx ends or Stop is called.
//
//	/start          register (or refresh) the sender
//	/groups         list group names
//	/join <group>   register into a group
func (a *Adapter) Start(ctx context.Context, reg transport.Registrar) error {
	if reg == nil {
		return errors.New("telegram: registrar is nil")
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	a.registerHandlers(sup.Context(), reg)

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start blocks until Stop; restart it if it ever returns early.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) registerHandlers(ctx context.Context, reg transport.Registrar) {
	register := func(c tele.Context, group string) error {
		sender := c.Sender()
		if sender == nil || c.Chat() == nil {
			return nil
		}
		reply, err := reg.Register(ctx, transport.Registration{
			ChatID:   c.Chat().ID,
			Username: sender.Username,
			Group:    group,
		})
		if err != nil {
			a.log.Warn("registration failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
			if reply == "" {
				reply = "Registration failed, please try again later."
			}
		}
		return c.Send(reply)
	}

	a.bot.Handle("/start", func(c tele.Context) error {
		return register(c, "")
	})
	a.bot.Handle("/join", func(c tele.Context) error {
		group := strings.TrimSpace(c.Message().Payload)
		if group == "" {
			return c.Send("Usage: /join <group name>. See /groups.")
		}
		return register(c, group)
	})
	a.bot.Handle("/groups", func(c tele.Context) error {
		names, err := reg.GroupNames(ctx)
		if err != nil {
			a.log.Warn("list groups failed", logx.Err(err))
			return c.Send("Groups are unavailable right now.")
		}
		if len(names) == 0 {
			return c.Send("No groups yet.")
		}
		var b strings.Builder
		b.WriteString("Groups:\n")
		for _, n := range names {
			fmt.Fprintf(&b, "• %s\n", n)
		}
		return c.Send(strings.TrimRight(b.String(), "\n"))
	})
}

// Stop ends polling. It never blocks shutdown for longer than ctx allows.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}
