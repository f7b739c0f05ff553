package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("OPENCLAW_CONFIG_PATH", path)
}

func TestLoadAndResolveDefaults(t *testing.T) {
	writeConfig(t, `{
		"channels": {
			"dingtalk": {
				"enabled": true,
				"clientId": "ck",
				"clientSecret": "cs",
				"enableAICard": true,
				"dmPolicy": "open"
			}
		}
	}`)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	a, err := cfg.ResolveDingTalk("default")
	require.NoError(t, err)
	assert.True(t, a.Enabled)
	assert.Equal(t, "ck", a.ClientID)
	assert.True(t, a.EnableAICard)
	assert.True(t, a.CanSendActive())
	assert.Equal(t, 4000, a.TextChunkLimit)
}

func TestAccountOverrides(t *testing.T) {
	writeConfig(t, `{
		"channels": {
			"dingtalk": {
				"enabled": true,
				"clientId": "ck",
				"clientSecret": "cs",
				"dmPolicy": "open",
				"accounts": {
					"ops": {
						"clientId": "ck2",
						"dmPolicy": "allowlist",
						"allowFrom": ["u1"],
						"enableAICard": false
					},
					"off": {"enabled": false}
				}
			}
		}
	}`)

	cfg, err := Load()
	require.NoError(t, err)

	ops, err := cfg.ResolveDingTalk("ops")
	require.NoError(t, err)
	assert.Equal(t, "ck2", ops.ClientID)
	assert.Equal(t, "cs", ops.ClientSecret)
	assert.Equal(t, "allowlist", ops.Policy.DMPolicy)
	assert.Equal(t, []string{"u1"}, ops.Policy.AllowFrom)
	assert.False(t, ops.EnableAICard)

	off, err := cfg.ResolveDingTalk("off")
	require.NoError(t, err)
	assert.False(t, off.Enabled)

	// Unknown accounts resolve to a disabled stub, not an error.
	missing, err := cfg.ResolveDingTalk("missing")
	require.NoError(t, err)
	assert.Equal(t, "missing", missing.AccountID)
	assert.False(t, missing.Enabled)
	assert.False(t, missing.CanSendActive())
}

func TestChannelEnabledDefaultsWithCredentials(t *testing.T) {
	writeConfig(t, `{
		"channels": {
			"dingtalk": {"clientId": "ck", "clientSecret": "cs"},
			"feishu": {"name": "Lark"},
			"qqbot": {"enabled": false, "appId": 1, "clientSecret": "s"}
		}
	}`)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// Credentials present and no explicit flag: on.
	dt, err := cfg.ResolveDingTalk("default")
	require.NoError(t, err)
	assert.True(t, dt.Enabled)

	// Block present but no credentials: off.
	fs, err := cfg.ResolveFeishu("default")
	require.NoError(t, err)
	assert.False(t, fs.Enabled)

	// Explicit false beats credentials.
	qq, err := cfg.ResolveQQ("default")
	require.NoError(t, err)
	assert.False(t, qq.Enabled)

	refs := cfg.DesiredAccounts()
	require.Len(t, refs, 1)
	assert.Equal(t, "dingtalk", refs[0].Channel)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_QQ_SECRET", "sekrit")
	writeConfig(t, `{
		"channels": {
			"qqbot": {
				"enabled": true,
				"appId": 12345,
				"clientSecret": "${TEST_QQ_SECRET}"
			}
		}
	}`)

	cfg, err := Load()
	require.NoError(t, err)
	a, err := cfg.ResolveQQ("default")
	require.NoError(t, err)
	assert.Equal(t, "sekrit", a.ClientSecret)
	assert.False(t, a.MarkdownSupport)
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	writeConfig(t, `{
		"channels": {
			"feishu": {
				"enabled": true,
				"appId": "a",
				"appSecret": "s",
				"dmPolicy": "sometimes"
			}
		}
	}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresCredentials(t *testing.T) {
	writeConfig(t, `{
		"channels": {
			"wecomApp": {"enabled": true, "corpId": "c"}
		}
	}`)

	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wecom-app/default")
}

func TestWeComAESKeyLength(t *testing.T) {
	writeConfig(t, `{
		"channels": {
			"wecom": {"enabled": true, "token": "t", "encodingAesKey": "short"}
		}
	}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestWeComWebhookPaths(t *testing.T) {
	writeConfig(t, `{
		"channels": {
			"wecom": {
				"enabled": true,
				"token": "t",
				"accounts": {"second": {}}
			}
		}
	}`)

	cfg, err := Load()
	require.NoError(t, err)

	def, err := cfg.ResolveWeCom("default")
	require.NoError(t, err)
	assert.Equal(t, "/wecom", def.WebhookPath)

	second, err := cfg.ResolveWeCom("second")
	require.NoError(t, err)
	assert.Equal(t, "/wecom/second", second.WebhookPath)
}

func TestDesiredAccounts(t *testing.T) {
	writeConfig(t, `{
		"channels": {
			"dingtalk": {"enabled": true, "clientId": "a", "clientSecret": "b"},
			"qqbot": {"enabled": true, "appId": 1, "clientSecret": "s",
				"accounts": {"beta": {"appId": 2}}}
		}
	}`)

	cfg, err := Load()
	require.NoError(t, err)
	refs := cfg.DesiredAccounts()
	require.Len(t, refs, 3)

	byKey := map[string]AccountRef{}
	for _, r := range refs {
		byKey[r.Channel+"/"+r.AccountID] = r
	}
	assert.Contains(t, byKey, "dingtalk/default")
	assert.Contains(t, byKey, "qqbot/default")
	assert.Contains(t, byKey, "qqbot/beta")
	assert.NotEqual(t, byKey["qqbot/default"].Fingerprint, byKey["qqbot/beta"].Fingerprint)
}

func TestTokenCacheKey(t *testing.T) {
	a := ResolvedWeComApp{CorpID: "corp", AgentID: 7}
	assert.Equal(t, "corp|7", a.TokenCacheKey())
}
