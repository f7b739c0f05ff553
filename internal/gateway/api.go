package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/directory"
)

var channelTags = []string{"dingtalk", "feishu", "wecom", "wecom-app", "qqbot"}

// adminServer is the local control surface: status for the CLI and a
// send endpoint for Host-initiated messages.
type adminServer struct {
	echo *echo.Echo
	g    *Gateway
	log  zerolog.Logger
}

func newAdminServer(g *Gateway, log zerolog.Logger) *adminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &adminServer{echo: e, g: g, log: log.With().Str("component", "admin").Logger()}

	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/status", s.handleStatus)
	e.GET("/v1/channels", s.handleChannels)
	e.POST("/v1/send", s.handleSend)
	return s
}

func (s *adminServer) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *adminServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *adminServer) Handler() http.Handler { return s.echo }

func (s *adminServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *adminServer) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"adapters": s.g.Registry().Status(),
	})
}

// channelInfo is the plug-in surface of one adapter.
type channelInfo struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Capabilities  *channels.Capabilities `json:"capabilities"`
	TargetFormats []string               `json:"targetFormats"`
}

func (s *adminServer) handleChannels(c echo.Context) error {
	var infos []channelInfo
	for _, a := range s.g.Registry().All() {
		infos = append(infos, channelInfo{
			ID:            a.ID(),
			Name:          a.Name(),
			Capabilities:  a.Capabilities(),
			TargetFormats: directory.Resolver{Channel: string(a.Type())}.TargetFormats(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"channels": infos})
}

// sendRequest is one Host-initiated outbound message.
type sendRequest struct {
	Channel string `json:"channel"`
	Account string `json:"account"`
	To      string `json:"to"`
	Text    string `json:"text"`
}

func (s *adminServer) handleSend(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	channel := req.Channel
	if channel == "" {
		channel = channelFromTarget(req.To)
	}
	if channel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel is required when the target carries no channel prefix")
	}

	var to string
	var chatType channels.ChatType
	account := req.Account

	if req.To == "" {
		// No explicit target: reply to the account's last conversation.
		if account == "" {
			account = directory.DefaultAccountID
		}
		anchor, ok := s.g.anchors.Last(channel, account)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "no recent conversation for "+channel+"/"+account)
		}
		to = anchor.To
	} else {
		target, err := directory.Resolver{Channel: channel}.Resolve(req.To)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if account == "" {
			account = target.AccountID
		}
		to = target.To
		chatType = targetChatType(req.To)
		if channel == "qqbot" && !hasQQSurfacePrefix(to) {
			// The QQ adapter routes on its own peer prefixes.
			if chatType == channels.ChatTypeGroup {
				to = "group:" + to
			} else if strings.Contains(req.To, "user:") {
				to = "c2c:" + to
			}
		}
	}

	res, err := s.g.Registry().SendText(c.Request().Context(), channels.ChannelType(channel), account, &channels.TextRequest{
		To:       to,
		ChatType: chatType,
		Text:     req.Text,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// channelFromTarget reads an explicit channel prefix off a raw target.
func channelFromTarget(raw string) string {
	for _, tag := range channelTags {
		if strings.HasPrefix(raw, tag+":") {
			return tag
		}
	}
	return ""
}

func targetChatType(raw string) channels.ChatType {
	switch {
	case strings.Contains(raw, "group:"), strings.Contains(raw, "channel:"):
		return channels.ChatTypeGroup
	case strings.Contains(raw, "user:"), strings.Contains(raw, "c2c:"), strings.Contains(raw, "guild:"):
		return channels.ChatTypeDirect
	}
	return ""
}

// hasQQSurfacePrefix reports whether a resolved QQ peer id already
// carries one of the adapter's routing prefixes.
func hasQQSurfacePrefix(to string) bool {
	for _, p := range []string{"group:", "c2c:", "channel:", "guild:"} {
		if strings.HasPrefix(to, p) {
			return true
		}
	}
	return false
}
