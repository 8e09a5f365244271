package transport

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Recipient is one addressable target of a broadcast send: either a numeric
// Telegram chat/user id or an @handle. Exactly one of the two should be set.
type Recipient struct {
	ChatID int64
	Handle string
}

// Key returns a stable normalized identity used for deduplication.
func (r Recipient) Key() string {
	if r.ChatID != 0 {
		return strconv.FormatInt(r.ChatID, 10)
	}
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(r.Handle), "@"))
}

func (r Recipient) String() string {
	if r.ChatID != 0 {
		return strconv.FormatInt(r.ChatID, 10)
	}
	h := strings.TrimSpace(r.Handle)
	if h != "" && !strings.HasPrefix(h, "@") {
		h = "@" + h
	}
	return h
}

// IsZero reports whether the recipient carries no address at all.
func (r Recipient) IsZero() bool { return r.ChatID == 0 && strings.TrimSpace(r.Handle) == "" }

// ParseRecipient accepts "12345", "@handle" or "handle".
func ParseRecipient(s string) Recipient {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id != 0 {
		return Recipient{ChatID: id}
	}
	return Recipient{Handle: strings.TrimPrefix(s, "@")}
}

type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment references an already-uploaded file (Telegram file id or URL).
// The engine never stores attachment bytes.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Ref  string         `json:"ref"`
}

// Credential is one stored sending identity. CreatedAt drives the pacing
// account-age tiers; LastUsedAt is bookkeeping for the owner's dashboard.
type Credential struct {
	OwnerID    int64
	Token      string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// AgeDays returns the whole days since the credential was created, at `now`.
func (c Credential) AgeDays(now time.Time) int {
	if c.CreatedAt.IsZero() || now.Before(c.CreatedAt) {
		return 0
	}
	return int(now.Sub(c.CreatedAt) / (24 * time.Hour))
}

// Transport opens messaging sessions. Implementations must surface send
// errors verbatim enough for classification (see delivery.Classify), and wrap
// platform throttle signals in FloodError.
type Transport interface {
	Connect(ctx context.Context, cred Credential) (Session, error)
}

// Session is one live connection bound to a single credential.
//
// Sessions are not assumed thread-safe: the platform rate limit is
// per-account, so callers send strictly sequentially and close the session
// before handing the credential to anyone else.
type Session interface {
	Send(ctx context.Context, to Recipient, text string, attachments []Attachment) error
	Close() error
}
