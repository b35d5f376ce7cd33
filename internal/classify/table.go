package classify

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// rule matches a lower-cased error message by substring.
type rule struct {
	needle string
	class  Class
	reason string
}

// messageRules is the only place message text is interpreted. It covers
// errors that reach the worker without a session.Kind, such as wrapped
// driver errors or storage errors bubbling through a driver. First match wins.
var messageRules = []rule{
	// fatal session
	{"auth_key_unregistered", FatalSession, "auth key unregistered"},
	{"auth key", FatalSession, "auth key invalid"},
	{"session revoked", FatalSession, "session revoked"},
	{"not authorized", FatalSession, "not authorized"},
	{"unauthorized", FatalSession, "not authorized"},

	// permanent, per target
	{"chat_write_forbidden", Permanent, "write forbidden"},
	{"chatwriteforbidden", Permanent, "write forbidden"},
	{"not enough rights", Permanent, "write forbidden"},
	{"have no rights to send", Permanent, "write forbidden"},
	{"can't write", Permanent, "write forbidden"},
	{"channel_private", Permanent, "channel private"},
	{"channelprivate", Permanent, "channel private"},
	{"channel is private", Permanent, "channel private"},
	{"user_banned_in_channel", Permanent, "banned"},
	{"userbannedinchannel", Permanent, "banned"},
	{"banned", Permanent, "banned"},
	{"kicked", Permanent, "kicked"},
	{"chat_admin_required", Permanent, "admin required"},
	{"admin required", Permanent, "admin required"},
	{"chat not found", Permanent, "chat not found"},
	{"peer_id_invalid", Permanent, "chat not found"},

	// transient
	{"database is locked", Transient, "session busy"},
	{"timeout", Transient, "timeout"},
	{"timed out", Transient, "timeout"},
	{"connection reset", Transient, "network"},
	{"connection refused", Transient, "network"},
	{"unexpected eof", Transient, "network"},
}

var (
	floodWaitRe  = regexp.MustCompile(`flood_wait_(\d+)`)
	retryAfterRe = regexp.MustCompile(`(?:retry after|wait of) (\d+)`)
)

func fromMessage(msg string) Verdict {
	m := strings.ToLower(msg)
	if wait, ok := parseWait(m); ok {
		return Verdict{Class: RateLimited, Wait: wait, Reason: "flood wait"}
	}
	for _, r := range messageRules {
		if strings.Contains(m, r.needle) {
			return Verdict{Class: r.class, Reason: r.reason}
		}
	}
	return Verdict{Class: Transient, Reason: "unclassified"}
}

func parseWait(m string) (time.Duration, bool) {
	for _, re := range []*regexp.Regexp{floodWaitRe, retryAfterRe} {
		sub := re.FindStringSubmatch(m)
		if len(sub) != 2 {
			continue
		}
		n, err := strconv.Atoi(sub[1])
		if err != nil || n < 0 {
			continue
		}
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
