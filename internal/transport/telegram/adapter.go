// Package telegram implements transport.Transport over the Telegram Bot API
// using telebot. One Session wraps one bot instance bound to one credential;
// the session keeps its own rate limiter as a hard ceiling on API calls,
// independent of the adaptive pacing applied by the delivery loop.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	kit "tgblast/internal/transport"
	logx "tgblast/pkg/logx"
)

type Config struct {
	// RatePerSec caps outgoing API calls per session. Telegram tolerates
	// roughly 30 msg/s for bots; broadcasts should stay well under that.
	RatePerSec int

	// ConnectTimeout bounds the initial getMe handshake, retries included.
	ConnectTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Adapter{cfg: cfg, log: log}
}

// Connect builds a bot from the credential token. telebot's NewBot performs a
// getMe call, so a successful return means the token is live. Transient
// network failures are retried with exponential backoff; a 401 from Telegram
// is not going to heal, so it aborts the retry loop immediately.
func (a *Adapter) Connect(ctx context.Context, cred kit.Credential) (kit.Session, error) {
	if strings.TrimSpace(cred.Token) == "" {
		return nil, errors.New("telegram: credential token is empty")
	}

	var bot *tele.Bot
	op := func() error {
		b, err := tele.NewBot(tele.Settings{
			Token:  cred.Token,
			Client: nil, // default http client
		})
		if err != nil {
			if isAuthError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		bot = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = a.cfg.ConnectTimeout

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	a.log.Debug("session opened", logx.Int64("owner", cred.OwnerID), logx.String("bot", bot.Me.Username))
	return &session{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(a.cfg.RatePerSec), a.cfg.RatePerSec),
		log:     a.log.With(logx.Int64("owner", cred.OwnerID)),
	}, nil
}

type session struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func (s *session) Send(ctx context.Context, to kit.Recipient, text string, attachments []kit.Attachment) error {
	if to.IsZero() {
		return errors.New("telegram: empty recipient")
	}
	rec := apiRecipient(to.String())

	// Text goes first; a single send with one photo attachment uses the text
	// as caption instead, matching what a human broadcast composer expects.
	caption := false
	if len(attachments) == 1 && text != "" {
		caption = true
	}

	if !caption && text != "" {
		if err := s.sendOne(ctx, rec, text); err != nil {
			return err
		}
	}
	for i, att := range attachments {
		var what any
		switch att.Kind {
		case kit.AttachmentPhoto:
			p := &tele.Photo{File: fileFromRef(att.Ref)}
			if caption && i == 0 {
				p.Caption = text
			}
			what = p
		case kit.AttachmentDocument:
			d := &tele.Document{File: fileFromRef(att.Ref)}
			if caption && i == 0 {
				d.Caption = text
			}
			what = d
		default:
			s.log.Warn("unknown attachment kind skipped", logx.String("kind", string(att.Kind)))
			continue
		}
		if err := s.sendOne(ctx, rec, what); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) sendOne(ctx context.Context, rec tele.Recipient, what any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := s.bot.Send(rec, what)
	return translateErr(err)
}

func (s *session) Close() error {
	// telebot holds no long-lived connection outside polling, which this
	// session never starts. Nothing to tear down beyond dropping the bot.
	s.bot = nil
	return nil
}

// apiRecipient satisfies tele.Recipient for both "12345" and "@handle" forms.
type apiRecipient string

func (r apiRecipient) Recipient() string { return string(r) }

func fileFromRef(ref string) tele.File {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	return tele.File{FileID: ref}
}

// translateErr converts telebot's throttle error into the transport-level
// FloodError; everything else passes through verbatim for the classifier.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.FloodError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second}
	}
	return err
}

func isAuthError(err error) bool {
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized")
}
