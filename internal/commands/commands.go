// Package commands is the operator surface: subscription management over
// bot commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/registry"
	"relaybot/internal/subscribe"
	logx "relaybot/pkg/logx"
)

// channelRe matches a public channel reference: @ plus a Telegram username,
// 5 to 32 characters starting with a letter.
var channelRe = regexp.MustCompile(`^@[A-Za-z][A-Za-z0-9_]{4,31}$`)

type Config struct {
	// Owners may run subscription commands. Empty means nobody can, which
	// is almost certainly a configuration mistake, so the constructor
	// rejects it.
	Owners []int64

	// JobTimeout bounds a single subscribe/unsubscribe job, including the
	// paced fan-out or backfill it triggers. Defaults to 30m.
	JobTimeout time.Duration
}

type Handler struct {
	cfg Config
	mgr *subscribe.Manager
	reg registry.Registry
	log logx.Logger

	// base is the application context; background jobs derive from it so
	// shutdown cancels them.
	base context.Context
}

func New(cfg Config, base context.Context, mgr *subscribe.Manager, reg registry.Registry, log logx.Logger) (*Handler, error) {
	if len(cfg.Owners) == 0 {
		return nil, errors.New("no owners configured")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if base == nil {
		base = context.Background()
	}
	return &Handler{cfg: cfg, base: base, mgr: mgr, reg: reg, log: log}, nil
}

// Register installs the command handlers on the bot.
func (h *Handler) Register(b *tele.Bot) {
	b.Handle("/subscribe", h.guard(h.onSubscribe))
	b.Handle("/unsubscribe", h.guard(h.onUnsubscribe))
	b.Handle("/list", h.guard(h.onList))
	b.Handle("/status", h.guard(h.onStatus))
	b.Handle("/start", h.guard(h.onHelp))
	b.Handle("/help", h.guard(h.onHelp))
}

func (h *Handler) guard(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Sender() == nil || !h.isOwner(c.Sender().ID) {
			return c.Send("unauthorized")
		}
		h.log.Debug("command received",
			logx.Int64("from_id", c.Sender().ID),
			logx.String("text", c.Text()))
		return next(c)
	}
}

func (h *Handler) isOwner(id int64) bool {
	for _, o := range h.cfg.Owners {
		if o == id {
			return true
		}
	}
	return false
}

func (h *Handler) onHelp(c tele.Context) error {
	return c.Send(strings.Join([]string{
		"/subscribe <feed-url> <@channel|chat-id>",
		"/unsubscribe <feed-url> <@channel|chat-id>",
		"/list [feed-url]",
		"/status",
	}, "\n"))
}

func (h *Handler) onStatus(c tele.Context) error {
	ctx, cancel := context.WithTimeout(h.base, 10*time.Second)
	defer cancel()

	sources, err := h.reg.ListSources(ctx)
	if err != nil {
		return c.Send("status unavailable, try again later")
	}
	if len(sources) == 0 {
		return c.Send("no subscriptions")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d sources\n", len(sources))
	for _, s := range sources {
		dests, err := h.reg.ListDestinations(ctx, s)
		if err != nil {
			return c.Send("status unavailable, try again later")
		}
		known, err := h.reg.KnownItems(ctx, s)
		if err != nil {
			return c.Send("status unavailable, try again later")
		}
		fmt.Fprintf(&b, "%s: %d destinations, %d items delivered\n", s, len(dests), len(known))
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) onSubscribe(c tele.Context) error {
	source, dest, err := parseArgs(c.Args())
	if err != nil {
		return c.Send(err.Error())
	}

	if err := c.Send(fmt.Sprintf("subscribing %s to %s, syncing in background", dest, source)); err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(h.base, h.cfg.JobTimeout)
		defer cancel()

		out, err := h.mgr.AddDestination(ctx, source, dest)
		h.report(c, source, dest, out, err)
	}()
	return nil
}

// report sends the subscribe job result back to the operator chat. Runs
// outside the handler, so send errors are only logged.
func (h *Handler) report(c tele.Context, source, dest string, out subscribe.AddOutcome, err error) {
	var text string
	switch {
	case err != nil && out.Result == subscribe.ResultDuplicate:
		text = fmt.Sprintf("subscribe %s failed: %v", dest, err)
	case err != nil:
		// registered, sync incomplete; the next add or poll can catch up
		text = fmt.Sprintf("%s subscribed, but sync stopped after %d items: %v", dest, out.ItemsSynced, err)
	case out.Result == subscribe.ResultDuplicate:
		text = fmt.Sprintf("%s is already subscribed to %s", dest, source)
	case out.Result == subscribe.ResultFirst:
		text = fmt.Sprintf("%s subscribed as the first destination, %d items delivered", dest, out.ItemsSynced)
	default:
		text = fmt.Sprintf("%s subscribed, %d historical items copied over", dest, out.ItemsSynced)
		if s := out.Alignment; s != nil {
			if s.Skipped > 0 {
				text += fmt.Sprintf(" (%d skipped)", s.Skipped)
			}
			if s.Degraded {
				text += "\nwarning: backfill success rate was low, check the channel"
			}
		}
	}
	if _, serr := c.Bot().Send(c.Recipient(), text); serr != nil {
		h.log.Error("result notification failed", logx.Err(serr))
	}
	if err != nil {
		h.log.Error("subscribe job failed",
			logx.String("source", source), logx.String("dest", dest), logx.Err(err))
	}
}

func (h *Handler) onUnsubscribe(c tele.Context) error {
	source, dest, err := parseArgs(c.Args())
	if err != nil {
		return c.Send(err.Error())
	}

	ctx, cancel := context.WithTimeout(h.base, 10*time.Second)
	defer cancel()

	switch err := h.mgr.RemoveDestination(ctx, source, dest); {
	case errors.Is(err, registry.ErrNotFound):
		return c.Send(fmt.Sprintf("%s is not subscribed to %s", dest, source))
	case err != nil:
		h.log.Error("unsubscribe failed",
			logx.String("source", source), logx.String("dest", dest), logx.Err(err))
		return c.Send("unsubscribe failed, try again later")
	}
	return c.Send(fmt.Sprintf("%s unsubscribed from %s, delivery history kept", dest, source))
}

func (h *Handler) onList(c tele.Context) error {
	ctx, cancel := context.WithTimeout(h.base, 10*time.Second)
	defer cancel()

	if args := c.Args(); len(args) == 1 {
		dests, err := h.reg.ListDestinations(ctx, args[0])
		if err != nil {
			return c.Send("listing failed, try again later")
		}
		if len(dests) == 0 {
			return c.Send("no destinations")
		}
		return c.Send(args[0] + "\n  " + strings.Join(dests, "\n  "))
	}

	sources, err := h.reg.ListSources(ctx)
	if err != nil {
		return c.Send("listing failed, try again later")
	}
	if len(sources) == 0 {
		return c.Send("no subscriptions")
	}
	var b strings.Builder
	for _, s := range sources {
		dests, err := h.reg.ListDestinations(ctx, s)
		if err != nil {
			return c.Send("listing failed, try again later")
		}
		fmt.Fprintf(&b, "%s (%d)\n", s, len(dests))
		for _, d := range dests {
			fmt.Fprintf(&b, "  %s\n", d)
		}
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

func parseArgs(args []string) (source, dest string, err error) {
	if len(args) != 2 {
		return "", "", errors.New("usage: /subscribe <feed-url> <@channel|chat-id>")
	}
	source = strings.TrimSpace(args[0])
	dest = strings.TrimSpace(args[1])
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return "", "", errors.New("feed url must start with http:// or https://")
	}
	if err := validateDestination(dest); err != nil {
		return "", "", err
	}
	return source, dest, nil
}

func validateDestination(dest string) error {
	if channelRe.MatchString(dest) {
		return nil
	}
	if _, err := strconv.ParseInt(dest, 10, 64); err == nil {
		return nil
	}
	return fmt.Errorf("%q is not a channel (@name) or a chat id", dest)
}
