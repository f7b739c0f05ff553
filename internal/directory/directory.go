// Package directory resolves host-supplied target strings of the form
// "channel:type:id@accountId" into a channel, an account and a bare peer id.
package directory

import (
	"fmt"
	"strings"
)

// DefaultAccountID is used when a target names no account suffix.
const DefaultAccountID = "default"

// Target is a fully resolved send destination.
type Target struct {
	Channel   string
	AccountID string
	To        string
}

// Resolver parses targets for one channel.
type Resolver struct {
	// Channel is the owning channel tag, e.g. "wecom-app". Targets that
	// carry a different channel prefix are rejected by CanResolve.
	Channel string
}

// CanResolve reports whether the raw target belongs to this channel:
// either it has no channel prefix at all, or the prefix matches.
func (r Resolver) CanResolve(raw string) bool {
	prefix, _ := splitChannelPrefix(raw)
	return prefix == "" || prefix == r.Channel
}

// Resolve parses a raw target. Resolution order: strip the optional
// channel prefix, split the optional "@accountId" suffix (only when the
// suffix contains no ":" or "/", so URLs survive), then strip a
// "user:"/"group:" type prefix.
func (r Resolver) Resolve(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("directory: empty target")
	}

	prefix, rest := splitChannelPrefix(raw)
	if prefix != "" && prefix != r.Channel {
		return Target{}, fmt.Errorf("directory: target %q belongs to channel %q", raw, prefix)
	}

	rest, accountID := splitAccountSuffix(rest)
	rest = stripTypePrefix(rest)
	if rest == "" {
		return Target{}, fmt.Errorf("directory: target %q has no peer id", raw)
	}

	return Target{Channel: r.Channel, AccountID: accountID, To: rest}, nil
}

// TargetFormats lists the accepted target shapes, for the plug-in surface.
func (r Resolver) TargetFormats() []string {
	c := r.Channel
	return []string{
		c + ":user:<id>",
		c + ":group:<id>",
		c + ":<id>@<accountId>",
		"<id>",
	}
}

// typePrefixes are peer-type markers, never channel tags. user: and
// group: are stripped during resolution; the QQ surface prefixes stay
// in the peer id because the adapter routes on them.
var typePrefixes = map[string]bool{
	"user": true, "group": true,
	"c2c": true, "channel": true, "guild": true,
}

func splitChannelPrefix(raw string) (prefix, rest string) {
	idx := strings.Index(raw, ":")
	if idx <= 0 {
		return "", raw
	}
	head := raw[:idx]
	// Only treat the head as a channel tag when it is not a type prefix.
	if typePrefixes[head] {
		return "", raw
	}
	if strings.ContainsAny(head, "/@") {
		return "", raw
	}
	return head, raw[idx+1:]
}

func splitAccountSuffix(raw string) (rest, accountID string) {
	idx := strings.LastIndex(raw, "@")
	if idx < 0 {
		return raw, DefaultAccountID
	}
	suffix := raw[idx+1:]
	if suffix == "" || strings.ContainsAny(suffix, ":/") {
		// Not an account suffix (e.g. an email-like id or a URL).
		return raw, DefaultAccountID
	}
	return raw[:idx], suffix
}

func stripTypePrefix(raw string) string {
	for _, p := range []string{"user:", "group:"} {
		if strings.HasPrefix(raw, p) {
			return raw[len(p):]
		}
	}
	return raw
}
