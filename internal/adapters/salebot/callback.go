// Пакет salebot — исходящий колбэк в чат-бот платформу после успешного
// create_chat. Доставка fire-and-forget в фоновой горутине; неудача
// сохраняется в failed_requests (direction=outbound) для ручного повтора
// через дашборд.
package salebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mtproto-gateway/internal/core/registry"
	"mtproto-gateway/internal/infra/logger"
)

const requestTimeout = 30 * time.Second

// Client — HTTP-клиент колбэка. Nil-клиент безопасен: все методы no-op.
type Client struct {
	url      string
	groupID  string
	http     *http.Client
	registry *registry.Registry
	log      *zap.Logger
}

// New создаёт клиент; возвращает nil при пустом URL (колбэк выключен).
func New(url, groupID string, reg *registry.Registry) *Client {
	if url == "" {
		return nil
	}
	return &Client{
		url:      url,
		groupID:  groupID,
		http:     &http.Client{Timeout: requestTimeout},
		registry: reg,
		log:      logger.Named("salebot"),
	}
}

// payload — тело колбэка send_invite_link.
type payload struct {
	Message    string `json:"message"`
	UserID     any    `json:"user_id"`
	GroupID    string `json:"group_id"`
	TgBusiness int    `json:"tg_business"`
	InviteLink string `json:"invite_link"`
}

// SendInviteLink отправляет колбэк о созданном чате. Вызывать в отдельной
// горутине: метод блокируется на время HTTP-запроса.
func (c *Client) SendInviteLink(ctx context.Context, clientTgID any, inviteLink string) {
	if c == nil {
		return
	}
	body := payload{
		Message:    "send_invite_link",
		UserID:     clientTgID,
		GroupID:    c.groupID,
		TgBusiness: 1,
		InviteLink: inviteLink,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		c.log.Error("marshal callback payload", zap.Error(err))
		return
	}

	if err = c.post(ctx, raw); err != nil {
		c.log.Warn("callback delivery failed", zap.Error(err))
		if c.registry != nil {
			if saveErr := c.registry.SaveFailedRequest(
				"create_chat", registry.DirectionOutbound, c.url, string(raw), err.Error(),
			); saveErr != nil {
				c.log.Error("save outbound failed request", zap.Error(saveErr))
			}
		}
		return
	}
	c.log.Info("callback delivered", zap.String("invite_link", inviteLink))
}

// Post доставляет произвольный сохранённый payload (повтор из дашборда).
func (c *Client) Post(ctx context.Context, url string, raw []byte) error {
	if c == nil {
		return fmt.Errorf("salebot callback is not configured")
	}
	return c.postTo(ctx, url, raw)
}

func (c *Client) post(ctx context.Context, raw []byte) error {
	return c.postTo(ctx, c.url, raw)
}

func (c *Client) postTo(ctx context.Context, url string, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("callback HTTP %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
