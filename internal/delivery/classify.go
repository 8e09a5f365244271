package delivery

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tgblast/internal/transport"
)

// ErrorKind is the closed taxonomy of transport failures. The raw error
// string is inspected exactly once, here; everything downstream switches over
// the enum.
type ErrorKind string

const (
	KindFloodWait      ErrorKind = "FLOOD_WAIT"
	KindPeerInvalid    ErrorKind = "PEER_ID_INVALID"
	KindUserRestricted ErrorKind = "USER_RESTRICTED"
	KindUserIsBot      ErrorKind = "USER_IS_BOT"
	KindSessionExpired ErrorKind = "SESSION_EXPIRED"
	KindWriteForbidden ErrorKind = "CHAT_WRITE_FORBIDDEN"
	KindUnknown        ErrorKind = "UNKNOWN"
)

// Classification is the verdict for one raw transport error.
//
// Permanent errors are recorded as skipped, never retried for that recipient,
// and kept out of the failure counter that drives pacing backoff and the
// end-of-run retry decision. FloodWait carries a mandatory wait that must be
// slept before any further send.
type Classification struct {
	Kind      ErrorKind
	Permanent bool
	FloodWait bool
	Wait      time.Duration
}

var floodWaitRe = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)

// Classify maps a raw transport error into the taxonomy. It is a pure
// function: same error, same verdict.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}

	var fe *transport.FloodError
	if errors.As(err, &fe) {
		return Classification{Kind: KindFloodWait, FloodWait: true, Wait: fe.RetryAfter}
	}

	msg := strings.ToUpper(err.Error())

	if m := floodWaitRe.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return Classification{Kind: KindFloodWait, FloodWait: true, Wait: time.Duration(secs) * time.Second}
	}
	if strings.Contains(msg, "TOO MANY REQUESTS") || strings.Contains(msg, "RETRY AFTER") {
		return Classification{Kind: KindFloodWait, FloodWait: true, Wait: retryAfterHint(msg)}
	}

	switch {
	case containsAny(msg, "PEER_ID_INVALID", "CHAT NOT FOUND", "USER NOT FOUND", "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID"):
		return Classification{Kind: KindPeerInvalid, Permanent: true}
	case containsAny(msg, "USER_IS_BLOCKED", "BOT WAS BLOCKED", "USER_PRIVACY_RESTRICTED", "INPUT_USER_DEACTIVATED", "USER IS DEACTIVATED"):
		return Classification{Kind: KindUserRestricted, Permanent: true}
	case containsAny(msg, "USER_IS_BOT", "BOT_METHOD_INVALID", "BOTS CAN'T SEND MESSAGES TO BOTS"):
		return Classification{Kind: KindUserIsBot, Permanent: true}
	case containsAny(msg, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED", "UNAUTHORIZED"):
		return Classification{Kind: KindSessionExpired}
	case containsAny(msg, "CHAT_WRITE_FORBIDDEN", "NOT ENOUGH RIGHTS", "HAVE NO RIGHTS TO SEND"):
		return Classification{Kind: KindWriteForbidden, Permanent: true}
	}

	return Classification{Kind: KindUnknown}
}

func containsAny(msg string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var retryAfterRe = regexp.MustCompile(`RETRY AFTER (\d+)`)

func retryAfterHint(msg string) time.Duration {
	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return time.Duration(secs) * time.Second
	}
	return 0
}
