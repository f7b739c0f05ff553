package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/wendell1224/openclaw-china/internal/channels"
)

// NewSendCommand creates the send subcommand for Host-initiated
// outbound messages through a running gateway.
func NewSendCommand() *cobra.Command {
	var (
		channel string
		account string
		to      string
	)

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a message through a running gateway",
		Example: `  openclaw-china send --to dingtalk:user:manager9527 "部署完成"
  openclaw-china send --channel feishu "回到上一个会话"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, adminBaseURL(), channel, account, to, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel tag (dingtalk, feishu, wecom, wecom-app, qqbot)")
	cmd.Flags().StringVar(&account, "account", "", "account id (default: from target or \"default\")")
	cmd.Flags().StringVar(&to, "to", "", "target, e.g. feishu:user:ou_xxx or qqbot:group:123@work")
	return cmd
}

func runSend(cmd *cobra.Command, baseURL, channel, account, to, text string) error {
	var result channels.SendResult
	resp, err := resty.New().SetTimeout(30 * time.Second).R().
		SetBody(map[string]string{
			"channel": channel,
			"account": account,
			"to":      to,
			"text":    text,
		}).
		SetResult(&result).
		Post(baseURL + "/v1/send")
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", baseURL, err)
	}
	if resp.IsError() {
		return fmt.Errorf("send failed: %s: %s", resp.Status(), resp.String())
	}
	if result.MessageID != "" {
		cmd.Printf("sent (message id %s)\n", result.MessageID)
	} else {
		cmd.Println("sent")
	}
	return nil
}
