// Package telegram is the Telegram bot: it delivers push reminders with an
// acknowledge button, forwards button presses to the ack receiver, and
// carries operator log messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"escalator/internal/channel"
	"escalator/internal/dispatch"
	rtsup "escalator/internal/runtime/supervisor"
	logx "escalator/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// ackUnique is the callback endpoint of the acknowledge button.
const ackUnique = "ack"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API base URL (tests).
	APIURL string
	// Offline skips the getMe call at construction (tests).
	Offline bool
}

// Acknowledger is the ack receiver as seen from the button handler.
type Acknowledger interface {
	Acknowledge(ctx context.Context, ref dispatch.Ref, proof string) (dispatch.AckResult, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu  sync.RWMutex
	ack Acknowledger

	runMu   sync.Mutex
	running bool
	// sup owns the poll loop and the stop watcher. Created on Start.
	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	a.registerHandlers()
	return a, nil
}

// SetAcknowledger wires the ack receiver. Button presses before this is set
// are answered with a retry hint.
func (a *Adapter) SetAcknowledger(ack Acknowledger) {
	a.mu.Lock()
	a.ack = ack
	a.mu.Unlock()
}

func (a *Adapter) acknowledger() Acknowledger {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ack
}

// Supervisor returns the adapter's supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle("/start", func(c tele.Context) error {
		return c.Send(fmt.Sprintf("Reminders for this chat need contact.chat_id = %d", c.Chat().ID))
	})
	a.bot.Handle(&tele.Btn{Unique: ackUnique}, a.onAck)
}

func (a *Adapter) onAck(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	ack := a.acknowledger()
	if ack == nil {
		return c.Respond(&tele.CallbackResponse{Text: "Not ready yet, try again shortly"})
	}
	id := strings.TrimSpace(cb.Data)
	var from int64
	if cb.Sender != nil {
		from = cb.Sender.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := ack.Acknowledge(ctx, dispatch.Ref{DispatchID: id}, fmt.Sprintf("telegram button by user %d", from))
	if err != nil {
		a.log.Warn("button acknowledge failed", logx.String("dispatch_id", id), logx.Err(err))
	}
	if res == dispatch.AckOK || res == dispatch.AckAlreadyTerminal {
		if m := c.Message(); m != nil {
			if _, err := a.bot.EditReplyMarkup(m, nil); err != nil {
				a.log.Debug("remove ack button failed", logx.Err(err))
			}
		}
	}
	return c.Respond(&tele.CallbackResponse{Text: ackReply(res, err)})
}

func ackReply(res dispatch.AckResult, err error) string {
	if err != nil {
		return "Could not record that, please try again"
	}
	switch res {
	case dispatch.AckOK:
		return "Got it, reminder stopped"
	case dispatch.AckAlreadyTerminal:
		return "Already handled"
	default:
		return "Reminder not found"
	}
}

// ackMarkup builds the inline "Got it" button for dispatchID.
func ackMarkup(dispatchID string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(rm.Data("Got it", ackUnique, dispatchID)))
	return rm
}

// SendReminder implements channel.ReminderSender.
func (a *Adapter) SendReminder(ctx context.Context, chatID int64, text, dispatchID string) (string, error) {
	var msg *tele.Message
	err := a.call(ctx, func() error {
		var err error
		msg, err = a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{ReplyMarkup: ackMarkup(dispatchID)})
		return err
	})
	if err != nil {
		return "", err
	}
	return channel.TelegramRef(chatID, msg.ID), nil
}

// SendLog implements logx.TextSender.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		err := a.call(ctx, func() error {
			_, err := a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// call runs a blocking Bot API request, returning early when ctx ends. The
// request itself may still complete; delivery is at least once.
func (a *Adapter) call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins long polling for button presses under a restart loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// Adapter errors must not take down the scheduler.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; it can also return on its own in
	// some failure modes, so run it under a restart loop.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop never blocks shutdown for long on a pending getUpdates.
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
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

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
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
