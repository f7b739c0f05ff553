// Package config provides configuration management for the gateway.
package config

import (
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/wendell1224/openclaw-china/internal/policy"
)

// ErrConfigNotFound indicates no usable config file was found.
var ErrConfigNotFound = errors.New("config not found")

// DefaultAccountID is the implicit account backed by channel-level
// credentials.
const DefaultAccountID = "default"

// Config matches the structure of openclaw.json.
type Config struct {
	Meta     MetaConfig        `json:"meta" yaml:"meta" mapstructure:"meta"`
	Env      map[string]string `json:"env" yaml:"env" mapstructure:"env"`
	Gateway  GatewayConfig     `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	Host     HostConfig        `json:"host" yaml:"host" mapstructure:"host"`
	Channels ChannelsConfig    `json:"channels" yaml:"channels" mapstructure:"channels"`
	Media    MediaConfig       `json:"media" yaml:"media" mapstructure:"media"`
	Logging  LoggingConfig     `json:"logging" yaml:"logging" mapstructure:"logging"`
}

type MetaConfig struct {
	LastTouchedVersion string `json:"lastTouchedVersion" yaml:"lastTouchedVersion" mapstructure:"lastTouchedVersion"`
	LastTouchedAt      string `json:"lastTouchedAt" yaml:"lastTouchedAt" mapstructure:"lastTouchedAt"`
}

type GatewayConfig struct {
	Bind        string `json:"bind" yaml:"bind" mapstructure:"bind"`
	Port        int    `json:"port" yaml:"port" mapstructure:"port"`
	WebhookBind string `json:"webhookBind" yaml:"webhookBind" mapstructure:"webhookBind"`
	WebhookPort int    `json:"webhookPort" yaml:"webhookPort" mapstructure:"webhookPort"`
}

// HostConfig points at the Host runtime process. When BaseURL is empty
// the gateway runs with its built-in single-agent router and answers
// nothing; set it to bridge replies from a real agent runtime.
type HostConfig struct {
	BaseURL string `json:"baseUrl" yaml:"baseUrl" mapstructure:"baseUrl" validate:"omitempty,url"`
	Token   string `json:"token" yaml:"token" mapstructure:"token"`
	AgentID string `json:"agentId" yaml:"agentId" mapstructure:"agentId"`
}

type MediaConfig struct {
	Root     string `json:"root" yaml:"root" mapstructure:"root"`
	MaxBytes int64  `json:"maxBytes" yaml:"maxBytes" mapstructure:"maxBytes" validate:"omitempty,min=1"`
	KeepDays int    `json:"keepDays" yaml:"keepDays" mapstructure:"keepDays" validate:"omitempty,min=1"`
}

type LoggingConfig struct {
	Level   string `json:"level" yaml:"level" mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Verbose bool   `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
}

type ChannelsConfig struct {
	DingTalk DingTalkConfig `json:"dingtalk" yaml:"dingtalk" mapstructure:"dingtalk"`
	Feishu   FeishuConfig   `json:"feishu" yaml:"feishu" mapstructure:"feishu"`
	WeCom    WeComConfig    `json:"wecom" yaml:"wecom" mapstructure:"wecom"`
	WeComApp WeComAppConfig `json:"wecomApp" yaml:"wecomApp" mapstructure:"wecomApp"`
	QQ       QQConfig       `json:"qqbot" yaml:"qqbot" mapstructure:"qqbot"`
}

// ChannelCommon carries the settings every channel block shares.
// Enabled is a pointer so "unset" can be told apart from an explicit
// false: a channel block that carries credentials is on unless the
// user switches it off.
type ChannelCommon struct {
	Enabled        *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty" mapstructure:"enabled"`
	Name           string `json:"name" yaml:"name" mapstructure:"name"`
	DefaultAccount string `json:"defaultAccount" yaml:"defaultAccount" mapstructure:"defaultAccount"`
	TextChunkLimit int    `json:"textChunkLimit" yaml:"textChunkLimit" mapstructure:"textChunkLimit" validate:"omitempty,min=1"`

	policy.Policy `json:",inline" yaml:",inline" mapstructure:",squash"`
}

// AccountCommon carries per-account overrides. Pointer fields
// distinguish "unset, inherit" from explicit values.
type AccountCommon struct {
	Enabled *bool  `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Name    string `json:"name" yaml:"name" mapstructure:"name"`

	DMPolicy       string   `json:"dmPolicy" yaml:"dmPolicy" mapstructure:"dmPolicy" validate:"omitempty,oneof=open pairing allowlist disabled"`
	GroupPolicy    string   `json:"groupPolicy" yaml:"groupPolicy" mapstructure:"groupPolicy" validate:"omitempty,oneof=open allowlist disabled"`
	RequireMention *bool    `json:"requireMention" yaml:"requireMention" mapstructure:"requireMention"`
	AllowFrom      []string `json:"allowFrom" yaml:"allowFrom" mapstructure:"allowFrom"`
	GroupAllowFrom []string `json:"groupAllowFrom" yaml:"groupAllowFrom" mapstructure:"groupAllowFrom"`
}

func (a AccountCommon) mergePolicy(base policy.Policy) policy.Policy {
	out := base
	if a.DMPolicy != "" {
		out.DMPolicy = a.DMPolicy
	}
	if a.GroupPolicy != "" {
		out.GroupPolicy = a.GroupPolicy
	}
	if a.RequireMention != nil {
		out.RequireMention = *a.RequireMention
	}
	if a.AllowFrom != nil {
		out.AllowFrom = a.AllowFrom
	}
	if a.GroupAllowFrom != nil {
		out.GroupAllowFrom = a.GroupAllowFrom
	}
	return out
}

func (a AccountCommon) enabled(base bool) bool {
	if a.Enabled != nil {
		return *a.Enabled
	}
	return base
}

func (c ChannelCommon) enabledOr(hasCreds bool) bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return hasCreds
}

type DingTalkConfig struct {
	ChannelCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	ClientID     string `json:"clientId" yaml:"clientId" mapstructure:"clientId"`
	ClientSecret string `json:"clientSecret" yaml:"clientSecret" mapstructure:"clientSecret"`
	EnableAICard bool   `json:"enableAICard" yaml:"enableAICard" mapstructure:"enableAICard"`

	Accounts map[string]DingTalkAccount `json:"accounts" yaml:"accounts" mapstructure:"accounts"`
}

func (c DingTalkConfig) enabled() bool {
	return c.enabledOr(c.ClientID != "" && c.ClientSecret != "")
}

type DingTalkAccount struct {
	AccountCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	ClientID     string `json:"clientId" yaml:"clientId" mapstructure:"clientId"`
	ClientSecret string `json:"clientSecret" yaml:"clientSecret" mapstructure:"clientSecret"`
	EnableAICard *bool  `json:"enableAICard" yaml:"enableAICard" mapstructure:"enableAICard"`
}

type FeishuConfig struct {
	ChannelCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	AppID              string `json:"appId" yaml:"appId" mapstructure:"appId"`
	AppSecret          string `json:"appSecret" yaml:"appSecret" mapstructure:"appSecret"`
	SendMarkdownAsCard bool   `json:"sendMarkdownAsCard" yaml:"sendMarkdownAsCard" mapstructure:"sendMarkdownAsCard"`

	Accounts map[string]FeishuAccount `json:"accounts" yaml:"accounts" mapstructure:"accounts"`
}

func (c FeishuConfig) enabled() bool {
	return c.enabledOr(c.AppID != "" && c.AppSecret != "")
}

type FeishuAccount struct {
	AccountCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	AppID     string `json:"appId" yaml:"appId" mapstructure:"appId"`
	AppSecret string `json:"appSecret" yaml:"appSecret" mapstructure:"appSecret"`
}

type WeComConfig struct {
	ChannelCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	Token          string `json:"token" yaml:"token" mapstructure:"token"`
	EncodingAESKey string `json:"encodingAesKey" yaml:"encodingAesKey" mapstructure:"encodingAesKey"`
	WebhookPath    string `json:"webhookPath" yaml:"webhookPath" mapstructure:"webhookPath"`
	WelcomeText    string `json:"welcomeText" yaml:"welcomeText" mapstructure:"welcomeText"`

	Accounts map[string]WeComAccount `json:"accounts" yaml:"accounts" mapstructure:"accounts"`
}

func (c WeComConfig) enabled() bool {
	return c.enabledOr(c.Token != "")
}

type WeComAccount struct {
	AccountCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	Token          string `json:"token" yaml:"token" mapstructure:"token"`
	EncodingAESKey string `json:"encodingAesKey" yaml:"encodingAesKey" mapstructure:"encodingAesKey"`
	WebhookPath    string `json:"webhookPath" yaml:"webhookPath" mapstructure:"webhookPath"`
}

type InboundMediaConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Dir      string `json:"dir" yaml:"dir" mapstructure:"dir"`
	MaxBytes int64  `json:"maxBytes" yaml:"maxBytes" mapstructure:"maxBytes" validate:"omitempty,min=1"`
	KeepDays int    `json:"keepDays" yaml:"keepDays" mapstructure:"keepDays" validate:"omitempty,min=1"`
}

type VoiceTranscodeConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Prefer  string `json:"prefer" yaml:"prefer" mapstructure:"prefer" validate:"omitempty,oneof=voice file"`
}

type WeComAppConfig struct {
	ChannelCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	CorpID         string               `json:"corpId" yaml:"corpId" mapstructure:"corpId"`
	CorpSecret     string               `json:"corpSecret" yaml:"corpSecret" mapstructure:"corpSecret"`
	AgentID        int64                `json:"agentId" yaml:"agentId" mapstructure:"agentId"`
	Token          string               `json:"token" yaml:"token" mapstructure:"token"`
	EncodingAESKey string               `json:"encodingAesKey" yaml:"encodingAesKey" mapstructure:"encodingAesKey"`
	WebhookPath    string               `json:"webhookPath" yaml:"webhookPath" mapstructure:"webhookPath"`
	InboundMedia   InboundMediaConfig   `json:"inboundMedia" yaml:"inboundMedia" mapstructure:"inboundMedia"`
	VoiceTranscode VoiceTranscodeConfig `json:"voiceTranscode" yaml:"voiceTranscode" mapstructure:"voiceTranscode"`

	Accounts map[string]WeComAppAccount `json:"accounts" yaml:"accounts" mapstructure:"accounts"`
}

func (c WeComAppConfig) enabled() bool {
	return c.enabledOr(c.CorpID != "" && c.CorpSecret != "" && c.AgentID != 0)
}

type WeComAppAccount struct {
	AccountCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	CorpID         string `json:"corpId" yaml:"corpId" mapstructure:"corpId"`
	CorpSecret     string `json:"corpSecret" yaml:"corpSecret" mapstructure:"corpSecret"`
	AgentID        int64  `json:"agentId" yaml:"agentId" mapstructure:"agentId"`
	Token          string `json:"token" yaml:"token" mapstructure:"token"`
	EncodingAESKey string `json:"encodingAesKey" yaml:"encodingAesKey" mapstructure:"encodingAesKey"`
	WebhookPath    string `json:"webhookPath" yaml:"webhookPath" mapstructure:"webhookPath"`
}

type ASRConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	AppID     string `json:"appId" yaml:"appId" mapstructure:"appId"`
	SecretID  string `json:"secretId" yaml:"secretId" mapstructure:"secretId"`
	SecretKey string `json:"secretKey" yaml:"secretKey" mapstructure:"secretKey"`
}

type QQConfig struct {
	ChannelCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	AppID           uint64    `json:"appId" yaml:"appId" mapstructure:"appId"`
	ClientSecret    string    `json:"clientSecret" yaml:"clientSecret" mapstructure:"clientSecret"`
	Sandbox         bool      `json:"sandbox" yaml:"sandbox" mapstructure:"sandbox"`
	MarkdownSupport bool      `json:"markdownSupport" yaml:"markdownSupport" mapstructure:"markdownSupport"`
	ASR             ASRConfig `json:"asr" yaml:"asr" mapstructure:"asr"`

	Accounts map[string]QQAccount `json:"accounts" yaml:"accounts" mapstructure:"accounts"`
}

func (c QQConfig) enabled() bool {
	return c.enabledOr(c.AppID != 0 && c.ClientSecret != "")
}

type QQAccount struct {
	AccountCommon `json:",inline" yaml:",inline" mapstructure:",squash"`

	AppID        uint64 `json:"appId" yaml:"appId" mapstructure:"appId"`
	ClientSecret string `json:"clientSecret" yaml:"clientSecret" mapstructure:"clientSecret"`
}

// StateDir returns the gateway state directory path.
// Can be overridden via OPENCLAW_STATE_DIR. Default: ~/.openclaw-china
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("OPENCLAW_STATE_DIR")); override != "" {
		return expandPath(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw-china"
	}
	return filepath.Join(home, ".openclaw-china")
}

// ConfigPath returns the default config file path.
// Can be overridden via OPENCLAW_CONFIG_PATH.
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("OPENCLAW_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "openclaw.json")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the configuration into a Viper instance.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath := strings.TrimSpace(os.Getenv("OPENCLAW_CONFIG_PATH")); configPath != "" {
		expanded := expandPath(configPath)
		fileInfo, err := os.Stat(expanded)
		if err == nil && fileInfo.IsDir() {
			v.SetConfigName("openclaw")
			v.AddConfigPath(expanded)
		} else {
			v.SetConfigFile(expanded)
		}
	} else {
		v.SetConfigName("openclaw")
		v.AddConfigPath(StateDir())
	}

	v.SetEnvPrefix("OPENCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Fallback: config.yaml in the state dir.
		v.SetConfigName("config")
		if err2 := v.ReadInConfig(); err2 != nil {
			if _, ok := err2.(viper.ConfigFileNotFoundError); ok {
				return nil, ErrConfigNotFound
			}
			return nil, err2
		}
	}
	return v, nil
}

// Load reads the configuration from file or environment variables.
func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil {
		return nil, err
	}
	return Unmarshal(v)
}

// Unmarshal decodes a loaded Viper instance into a Config and expands
// ${VAR} references in credential fields.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Inject the config env block before expansion so ${KEY} references
	// to it resolve.
	for k, val := range cfg.Env {
		expanded := os.ExpandEnv(val)
		_ = os.Setenv(k, expanded)
		cfg.Env[k] = expanded
	}
	expandEnvVars(&cfg)
	return &cfg, nil
}

// Watch re-reads the file on change and hands the new Config to
// onChange. Decode or validation failures keep the previous config
// active and go to onError.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Unmarshal(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.bind", "127.0.0.1")
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.webhookBind", "0.0.0.0")
	v.SetDefault("gateway.webhookPort", 18790)

	v.SetDefault("host.agentId", "main")

	v.SetDefault("media.maxBytes", int64(10*1024*1024))
	v.SetDefault("media.keepDays", 7)

	v.SetDefault("logging.level", "info")

	v.SetDefault("channels.wecom.webhookPath", "/wecom")
	v.SetDefault("channels.wecomApp.webhookPath", "/wecom-app")
	v.SetDefault("channels.dingtalk.textChunkLimit", 4000)
	v.SetDefault("channels.feishu.textChunkLimit", 4000)
	v.SetDefault("channels.wecom.textChunkLimit", 2048)
	v.SetDefault("channels.wecomApp.textChunkLimit", 2048)
	v.SetDefault("channels.qqbot.textChunkLimit", 1500)
}

// expandEnvVars expands environment variables in credential fields.
func expandEnvVars(cfg *Config) {
	cfg.Host.BaseURL = os.ExpandEnv(cfg.Host.BaseURL)
	cfg.Host.Token = os.ExpandEnv(cfg.Host.Token)
	ch := &cfg.Channels
	ch.DingTalk.ClientID = os.ExpandEnv(ch.DingTalk.ClientID)
	ch.DingTalk.ClientSecret = os.ExpandEnv(ch.DingTalk.ClientSecret)
	ch.Feishu.AppID = os.ExpandEnv(ch.Feishu.AppID)
	ch.Feishu.AppSecret = os.ExpandEnv(ch.Feishu.AppSecret)
	ch.WeCom.Token = os.ExpandEnv(ch.WeCom.Token)
	ch.WeCom.EncodingAESKey = os.ExpandEnv(ch.WeCom.EncodingAESKey)
	ch.WeComApp.CorpID = os.ExpandEnv(ch.WeComApp.CorpID)
	ch.WeComApp.CorpSecret = os.ExpandEnv(ch.WeComApp.CorpSecret)
	ch.WeComApp.Token = os.ExpandEnv(ch.WeComApp.Token)
	ch.WeComApp.EncodingAESKey = os.ExpandEnv(ch.WeComApp.EncodingAESKey)
	ch.QQ.ClientSecret = os.ExpandEnv(ch.QQ.ClientSecret)
	ch.QQ.ASR.SecretID = os.ExpandEnv(ch.QQ.ASR.SecretID)
	ch.QQ.ASR.SecretKey = os.ExpandEnv(ch.QQ.ASR.SecretKey)
}

// Save writes the configuration to the config file. JSON only.
func Save(cfg *Config) error {
	configPath := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0o600)
}

var validate = validator.New()

// Validate checks structural constraints (enum values, ranges) and the
// credential completeness of every enabled channel.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []string
	ch := c.Channels
	if ch.DingTalk.enabled() {
		for _, id := range accountIDs(ch.DingTalk.Accounts) {
			a, _ := c.ResolveDingTalk(id)
			if a.Enabled && (a.ClientID == "" || a.ClientSecret == "") {
				errs = append(errs, fmt.Sprintf("dingtalk/%s: clientId and clientSecret are required", id))
			}
		}
	}
	if ch.Feishu.enabled() {
		for _, id := range accountIDs(ch.Feishu.Accounts) {
			a, _ := c.ResolveFeishu(id)
			if a.Enabled && (a.AppID == "" || a.AppSecret == "") {
				errs = append(errs, fmt.Sprintf("feishu/%s: appId and appSecret are required", id))
			}
		}
	}
	if ch.WeCom.enabled() {
		for _, id := range accountIDs(ch.WeCom.Accounts) {
			a, _ := c.ResolveWeCom(id)
			if a.Enabled && (a.Token == "" || len(a.EncodingAESKey) != 43) {
				errs = append(errs, fmt.Sprintf("wecom/%s: token and a 43-char encodingAesKey are required", id))
			}
		}
	}
	if ch.WeComApp.enabled() {
		for _, id := range accountIDs(ch.WeComApp.Accounts) {
			a, _ := c.ResolveWeComApp(id)
			if a.Enabled && (a.CorpID == "" || a.CorpSecret == "" || a.AgentID == 0) {
				errs = append(errs, fmt.Sprintf("wecom-app/%s: corpId, corpSecret and agentId are required", id))
			}
			if a.Enabled && a.Token != "" && len(a.EncodingAESKey) != 43 {
				errs = append(errs, fmt.Sprintf("wecom-app/%s: encodingAesKey must be 43 chars", id))
			}
		}
	}
	if ch.QQ.enabled() {
		for _, id := range accountIDs(ch.QQ.Accounts) {
			a, _ := c.ResolveQQ(id)
			if a.Enabled && (a.AppID == 0 || a.ClientSecret == "") {
				errs = append(errs, fmt.Sprintf("qqbot/%s: appId and clientSecret are required", id))
			}
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func accountIDs[T any](accounts map[string]T) []string {
	ids := []string{DefaultAccountID}
	for id := range accounts {
		if id != DefaultAccountID {
			ids = append(ids, id)
		}
	}
	return ids
}

// AccountRef identifies one desired account for lifecycle diffing.
// Fingerprint changes whenever the account's effective settings change.
type AccountRef struct {
	Channel     string
	AccountID   string
	Enabled     bool
	Fingerprint string
}

// DesiredAccounts lists every account of every enabled channel with a
// settings fingerprint, for start/stop/restart diffing on reload.
func (c *Config) DesiredAccounts() []AccountRef {
	var refs []AccountRef
	ch := c.Channels
	if ch.DingTalk.enabled() {
		for _, id := range accountIDs(ch.DingTalk.Accounts) {
			a, _ := c.ResolveDingTalk(id)
			refs = append(refs, AccountRef{"dingtalk", id, a.Enabled, fingerprint(a)})
		}
	}
	if ch.Feishu.enabled() {
		for _, id := range accountIDs(ch.Feishu.Accounts) {
			a, _ := c.ResolveFeishu(id)
			refs = append(refs, AccountRef{"feishu", id, a.Enabled, fingerprint(a)})
		}
	}
	if ch.WeCom.enabled() {
		for _, id := range accountIDs(ch.WeCom.Accounts) {
			a, _ := c.ResolveWeCom(id)
			refs = append(refs, AccountRef{"wecom", id, a.Enabled, fingerprint(a)})
		}
	}
	if ch.WeComApp.enabled() {
		for _, id := range accountIDs(ch.WeComApp.Accounts) {
			a, _ := c.ResolveWeComApp(id)
			refs = append(refs, AccountRef{"wecom-app", id, a.Enabled, fingerprint(a)})
		}
	}
	if ch.QQ.enabled() {
		for _, id := range accountIDs(ch.QQ.Accounts) {
			a, _ := c.ResolveQQ(id)
			refs = append(refs, AccountRef{"qqbot", id, a.Enabled, fingerprint(a)})
		}
	}
	return refs
}

func fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha1.Sum(data)
	return fmt.Sprintf("%x", sum[:8])
}
