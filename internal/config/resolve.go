package config

import (
	"fmt"

	"github.com/wendell1224/openclaw-china/internal/policy"
)

// Resolved account types merge env expansion, channel-level settings and
// per-account overrides into one flat view. CanSendActive is derived:
// true iff the credentials allow Host-initiated sending.

type ResolvedDingTalk struct {
	AccountID      string
	Name           string
	Enabled        bool
	ClientID       string
	ClientSecret   string
	EnableAICard   bool
	Policy         policy.Policy
	TextChunkLimit int
}

func (a ResolvedDingTalk) CanSendActive() bool {
	return a.ClientID != "" && a.ClientSecret != ""
}

// ResolveDingTalk merges the channel block with the named account's
// overrides. The "default" account exists implicitly; an unknown
// account resolves to a disabled stub rather than an error.
func (c *Config) ResolveDingTalk(accountID string) (ResolvedDingTalk, error) {
	ch := c.Channels.DingTalk
	acct, ok := ch.Accounts[accountID]
	if !ok && accountID != DefaultAccountID {
		return ResolvedDingTalk{AccountID: accountID, Name: "DingTalk"}, nil
	}
	out := ResolvedDingTalk{
		AccountID:      accountID,
		Name:           firstNonEmpty(acct.Name, ch.Name, "DingTalk"),
		Enabled:        ch.enabled() && acct.enabled(true),
		ClientID:       firstNonEmpty(acct.ClientID, ch.ClientID),
		ClientSecret:   firstNonEmpty(acct.ClientSecret, ch.ClientSecret),
		EnableAICard:   ch.EnableAICard,
		Policy:         acct.mergePolicy(ch.Policy),
		TextChunkLimit: ch.TextChunkLimit,
	}
	if acct.EnableAICard != nil {
		out.EnableAICard = *acct.EnableAICard
	}
	return out, nil
}

type ResolvedFeishu struct {
	AccountID          string
	Name               string
	Enabled            bool
	AppID              string
	AppSecret          string
	SendMarkdownAsCard bool
	Policy             policy.Policy
	TextChunkLimit     int
}

func (a ResolvedFeishu) CanSendActive() bool {
	return a.AppID != "" && a.AppSecret != ""
}

func (c *Config) ResolveFeishu(accountID string) (ResolvedFeishu, error) {
	ch := c.Channels.Feishu
	acct, ok := ch.Accounts[accountID]
	if !ok && accountID != DefaultAccountID {
		return ResolvedFeishu{AccountID: accountID, Name: "Feishu"}, nil
	}
	return ResolvedFeishu{
		AccountID:          accountID,
		Name:               firstNonEmpty(acct.Name, ch.Name, "Feishu"),
		Enabled:            ch.enabled() && acct.enabled(true),
		AppID:              firstNonEmpty(acct.AppID, ch.AppID),
		AppSecret:          firstNonEmpty(acct.AppSecret, ch.AppSecret),
		SendMarkdownAsCard: ch.SendMarkdownAsCard,
		Policy:             acct.mergePolicy(ch.Policy),
		TextChunkLimit:     ch.TextChunkLimit,
	}, nil
}

type ResolvedWeCom struct {
	AccountID      string
	Name           string
	Enabled        bool
	Token          string
	EncodingAESKey string
	WebhookPath    string
	WelcomeText    string
	Policy         policy.Policy
	TextChunkLimit int
}

// CanSendActive is always false for the AI Robot: it can only answer
// within a callback's stream or response_url window.
func (a ResolvedWeCom) CanSendActive() bool { return false }

func (c *Config) ResolveWeCom(accountID string) (ResolvedWeCom, error) {
	ch := c.Channels.WeCom
	acct, ok := ch.Accounts[accountID]
	if !ok && accountID != DefaultAccountID {
		return ResolvedWeCom{AccountID: accountID, Name: "WeCom"}, nil
	}
	path := firstNonEmpty(acct.WebhookPath, ch.WebhookPath, "/wecom")
	if accountID != DefaultAccountID && acct.WebhookPath == "" {
		// Extra accounts need their own callback path.
		path = path + "/" + accountID
	}
	return ResolvedWeCom{
		AccountID:      accountID,
		Name:           firstNonEmpty(acct.Name, ch.Name, "WeCom"),
		Enabled:        ch.enabled() && acct.enabled(true),
		Token:          firstNonEmpty(acct.Token, ch.Token),
		EncodingAESKey: firstNonEmpty(acct.EncodingAESKey, ch.EncodingAESKey),
		WebhookPath:    path,
		WelcomeText:    ch.WelcomeText,
		Policy:         acct.mergePolicy(ch.Policy),
		TextChunkLimit: ch.TextChunkLimit,
	}, nil
}

type ResolvedWeComApp struct {
	AccountID      string
	Name           string
	Enabled        bool
	CorpID         string
	CorpSecret     string
	AgentID        int64
	Token          string
	EncodingAESKey string
	WebhookPath    string
	InboundMedia   InboundMediaConfig
	VoiceTranscode VoiceTranscodeConfig
	Policy         policy.Policy
	TextChunkLimit int
}

func (a ResolvedWeComApp) CanSendActive() bool {
	return a.CorpID != "" && a.CorpSecret != "" && a.AgentID != 0
}

// TokenCacheKey is the credential tuple for the access-token cache.
func (a ResolvedWeComApp) TokenCacheKey() string {
	return fmt.Sprintf("%s|%d", a.CorpID, a.AgentID)
}

func (c *Config) ResolveWeComApp(accountID string) (ResolvedWeComApp, error) {
	ch := c.Channels.WeComApp
	acct, ok := ch.Accounts[accountID]
	if !ok && accountID != DefaultAccountID {
		return ResolvedWeComApp{AccountID: accountID, Name: "WeCom App"}, nil
	}
	agentID := ch.AgentID
	if acct.AgentID != 0 {
		agentID = acct.AgentID
	}
	path := firstNonEmpty(acct.WebhookPath, ch.WebhookPath, "/wecom-app")
	if accountID != DefaultAccountID && acct.WebhookPath == "" {
		path = path + "/" + accountID
	}
	return ResolvedWeComApp{
		AccountID:      accountID,
		Name:           firstNonEmpty(acct.Name, ch.Name, "WeCom App"),
		Enabled:        ch.enabled() && acct.enabled(true),
		CorpID:         firstNonEmpty(acct.CorpID, ch.CorpID),
		CorpSecret:     firstNonEmpty(acct.CorpSecret, ch.CorpSecret),
		AgentID:        agentID,
		Token:          firstNonEmpty(acct.Token, ch.Token),
		EncodingAESKey: firstNonEmpty(acct.EncodingAESKey, ch.EncodingAESKey),
		WebhookPath:    path,
		InboundMedia:   ch.InboundMedia,
		VoiceTranscode: ch.VoiceTranscode,
		Policy:         acct.mergePolicy(ch.Policy),
		TextChunkLimit: ch.TextChunkLimit,
	}, nil
}

type ResolvedQQ struct {
	AccountID       string
	Name            string
	Enabled         bool
	AppID           uint64
	ClientSecret    string
	Sandbox         bool
	MarkdownSupport bool
	ASR             ASRConfig
	Policy          policy.Policy
	TextChunkLimit  int
}

func (a ResolvedQQ) CanSendActive() bool {
	return a.AppID != 0 && a.ClientSecret != ""
}

func (c *Config) ResolveQQ(accountID string) (ResolvedQQ, error) {
	ch := c.Channels.QQ
	acct, ok := ch.Accounts[accountID]
	if !ok && accountID != DefaultAccountID {
		return ResolvedQQ{AccountID: accountID, Name: "QQ Bot"}, nil
	}
	appID := ch.AppID
	if acct.AppID != 0 {
		appID = acct.AppID
	}
	return ResolvedQQ{
		AccountID:       accountID,
		Name:            firstNonEmpty(acct.Name, ch.Name, "QQ Bot"),
		Enabled:         ch.enabled() && acct.enabled(true),
		AppID:           appID,
		ClientSecret:    firstNonEmpty(acct.ClientSecret, ch.ClientSecret),
		Sandbox:         ch.Sandbox,
		MarkdownSupport: ch.MarkdownSupport,
		ASR:             ch.ASR,
		Policy:          acct.mergePolicy(ch.Policy),
		TextChunkLimit:  ch.TextChunkLimit,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
