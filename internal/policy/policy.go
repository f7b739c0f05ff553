// Package policy implements per-account admission checks for inbound
// messages. Policies are evaluated once per message against an immutable
// snapshot taken from the resolved account config.
package policy

// DM policies.
const (
	DMOpen      = "open"
	DMPairing   = "pairing"
	DMAllowlist = "allowlist"
	DMDisabled  = "disabled"
)

// Group policies.
const (
	GroupOpen      = "open"
	GroupAllowlist = "allowlist"
	GroupDisabled  = "disabled"
)

// Policy is the admission policy block of one account.
type Policy struct {
	DMPolicy       string   `json:"dmPolicy" yaml:"dmPolicy" mapstructure:"dmPolicy" validate:"omitempty,oneof=open pairing allowlist disabled"`
	GroupPolicy    string   `json:"groupPolicy" yaml:"groupPolicy" mapstructure:"groupPolicy" validate:"omitempty,oneof=open allowlist disabled"`
	RequireMention bool     `json:"requireMention" yaml:"requireMention" mapstructure:"requireMention"`
	AllowFrom      []string `json:"allowFrom" yaml:"allowFrom" mapstructure:"allowFrom"`
	GroupAllowFrom []string `json:"groupAllowFrom" yaml:"groupAllowFrom" mapstructure:"groupAllowFrom"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Request describes one inbound message for evaluation.
type Request struct {
	ChatType     string // "direct" or "group"
	SenderID     string
	PeerID       string
	WasMentioned bool
}

// Evaluate applies the policy to one inbound message.
func Evaluate(p Policy, req Request) Decision {
	if req.ChatType == "group" {
		return evaluateGroup(p, req)
	}
	return evaluateDM(p, req)
}

func evaluateDM(p Policy, req Request) Decision {
	switch p.DMPolicy {
	case DMDisabled:
		return Decision{Reason: "dm disabled"}
	case DMAllowlist:
		if contains(p.AllowFrom, req.SenderID) {
			return Decision{Allowed: true}
		}
		return Decision{Reason: "sender not in allowFrom"}
	case DMPairing:
		// Pairing bookkeeping is owned by the Host; admission passes.
		return Decision{Allowed: true}
	default:
		// open (and unset, which resolves to open upstream)
		return Decision{Allowed: true}
	}
}

func evaluateGroup(p Policy, req Request) Decision {
	switch p.GroupPolicy {
	case GroupDisabled:
		return Decision{Reason: "group disabled"}
	case GroupAllowlist:
		if !contains(p.GroupAllowFrom, req.PeerID) {
			return Decision{Reason: "group not in groupAllowFrom"}
		}
	}
	if p.RequireMention && !req.WasMentioned {
		return Decision{Reason: "mention required"}
	}
	return Decision{Allowed: true}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
