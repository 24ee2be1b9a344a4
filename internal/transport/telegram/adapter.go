// Package telegram implements the delivery transport against the Telegram
// Bot API. Original sends go through telebot; replication uses copyMessage
// so copies carry no forward header.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"relaybot/internal/content"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// albumLimit is Telegram's media-group size cap.
const albumLimit = 10

type Config struct {
	Token string

	// PollTimeout bounds the getUpdates long poll for the command surface.
	PollTimeout time.Duration

	// CallTimeout bounds every outbound API call. Defaults to 30s.
	CallTimeout time.Duration

	// RatePerSec is a global ceiling on outbound API calls, shared by all
	// jobs. The per-job pacing controllers spread calls much wider; this
	// limiter is the hard floor against bursts.
	RatePerSec int
}

type Adapter struct {
	cfg     Config
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		Client: &http.Client{Timeout: cfg.CallTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

// Bot exposes the underlying bot so the command surface can register its
// handlers on the same connection.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// Start begins long-polling for incoming commands. Blocks until Stop.
func (a *Adapter) Start() {
	a.log.Info("polling started")
	a.bot.Start()
	a.log.Info("polling stopped")
}

func (a *Adapter) Stop() {
	a.bot.Stop()
}

// recipient adapts a destination string ("@channel" or a numeric chat id)
// to telebot's Recipient.
type recipient string

func (r recipient) Recipient() string { return string(r) }

// SendOriginal delivers the full payload: a media album when media is
// attached, a plain text message otherwise. A failed album send degrades to
// text with the link preview enabled as media compensation.
func (a *Adapter) SendOriginal(ctx context.Context, dest string, p content.Payload) ([]string, error) {
	if err := a.acquire(ctx); err != nil {
		return nil, err
	}

	if len(p.Media) > 0 {
		ids, err := a.sendAlbum(dest, p)
		if err == nil {
			return ids, nil
		}
		cerr := classify(err)
		switch transport.KindOf(cerr) {
		case transport.KindPermanent, transport.KindFloodControl:
			return nil, cerr
		}
		a.log.Warn("album send failed, degrading to text",
			logx.String("dest", dest), logx.Err(err))
	}

	opts := &tele.SendOptions{
		ParseMode:             p.ParseMode,
		DisableWebPagePreview: p.DisablePreview && len(p.Media) == 0,
	}
	msg, err := a.bot.Send(recipient(dest), p.Text, opts)
	if err != nil {
		return nil, classify(err)
	}
	return []string{strconv.Itoa(msg.ID)}, nil
}

func (a *Adapter) sendAlbum(dest string, p content.Payload) ([]string, error) {
	album := make(tele.Album, 0, albumLimit)
	for _, m := range p.Media {
		if len(album) == albumLimit {
			break
		}
		f := tele.FromURL(m.URL)
		switch m.Kind {
		case content.MediaVideo:
			album = append(album, &tele.Video{File: f})
		case content.MediaAudio:
			album = append(album, &tele.Audio{File: f})
		case content.MediaFile:
			album = append(album, &tele.Document{File: f})
		default:
			album = append(album, &tele.Photo{File: f})
		}
	}
	if len(album) == 0 {
		return nil, errors.New("no sendable media")
	}
	album.SetCaption(p.Text)

	msgs, err := a.bot.SendAlbum(recipient(dest), album, &tele.SendOptions{ParseMode: p.ParseMode})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, strconv.Itoa(m.ID))
	}
	return ids, nil
}

// Replicate copies each source message into the target chat via the
// copyMessage method, which accepts "@channel" identifiers for both sides
// and produces copies without a forward header.
func (a *Adapter) Replicate(ctx context.Context, to, from string, messageIDs []string) ([]string, error) {
	ids := make([]string, 0, len(messageIDs))
	for _, mid := range messageIDs {
		if err := a.acquire(ctx); err != nil {
			return nil, err
		}
		params := map[string]string{
			"chat_id":      to,
			"from_chat_id": from,
			"message_id":   mid,
		}
		data, err := a.bot.Raw("copyMessage", params)
		if err != nil {
			return nil, classify(err)
		}
		var resp struct {
			Result struct {
				MessageID int `json:"message_id"`
			} `json:"result"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &transport.Error{Kind: transport.KindTransient, Err: err}
		}
		ids = append(ids, strconv.Itoa(resp.Result.MessageID))
	}
	return ids, nil
}

func (a *Adapter) acquire(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return &transport.Error{Kind: transport.KindTransient, Err: err}
	}
	return nil
}

// classify maps telebot/API errors onto the engine's taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return err
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.Error{
			Kind:       transport.KindFloodControl,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return &transport.Error{Kind: transport.KindRateLimited, Err: err}
		case apiErr.Code == http.StatusForbidden,
			apiErr.Code == http.StatusBadRequest,
			apiErr.Code == http.StatusNotFound:
			// chat not found, not enough rights, malformed id: the
			// destination needs operator attention, retrying won't help
			return &transport.Error{Kind: transport.KindPermanent, Err: err}
		}
	}

	return &transport.Error{Kind: transport.KindTransient, Err: err}
}
