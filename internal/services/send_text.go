// POST /send_text — отправка текста в чат или личку с тегированием клиента.
// Использует привязанный аккаунт из реестра; на flood-wait и нерезолве
// делает один failover на следующий здоровый мост.
//
// JSON запрос:
//
//	{
//	    "chat": "-1001234567890",
//	    "text": "Текст сообщения",
//	    "tag_client": true,
//	    "client_id": 123456,
//	    "client_username": "@username",
//	    "exclude_usernames": ["@bot1"],
//	    "disable_preview": true,
//	    "reply_to": null,
//	    "parse_mode": "html"
//	}
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"mtproto-gateway/internal/adapters/botapi"
	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/chatid"
	"mtproto-gateway/internal/core/entity"
	"mtproto-gateway/internal/core/router"
	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/services/tgfmt"
)

type sendTextRequest struct {
	Chat             any      `json:"chat"`
	Text             string   `json:"text"`
	TagClient        bool     `json:"tag_client"`
	ClientID         int64    `json:"client_id"`
	ClientUsername   string   `json:"client_username"`
	ExcludeUsernames []string `json:"exclude_usernames"`
	DisablePreview   *bool    `json:"disable_preview"`
	ReplyTo          int      `json:"reply_to"`
	ParseMode        string   `json:"parse_mode"`
}

type sendTextResult struct {
	Status           string `json:"status"`
	ChatID           any    `json:"chat_id"`
	MessageID        int    `json:"message_id"`
	ClientTaggedID   int64  `json:"client_tagged_id,omitempty"`
	ClientTaggedName string `json:"client_tagged_name,omitempty"`
	ChatType         string `json:"chat_type"`
	Via              string `json:"via,omitempty"`
}

type sendTextHandler struct {
	fallback *botapi.Fallback
}

// NewSendTextServer собирает HTTP-сервер сервиса send_text.
func NewSendTextServer(rt *router.Router, fb *botapi.Fallback) *Server {
	h := &sendTextHandler{fallback: fb}
	return newServer(config.ServiceSendText, rt, h.handle)
}

func (h *sendTextHandler) handle(s *Server, w http.ResponseWriter, r *http.Request) {
	var req sendTextRequest
	raw, err := decodeJSON(r, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must be non-empty")
		return
	}
	ref, err := chatid.ParseRef(req.Chat)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ParseMode == "" {
		req.ParseMode = "html"
	}
	disablePreview := true
	if req.DisablePreview != nil {
		disablePreview = *req.DisablePreview
	}

	// Guard: в покинутый чат не пишем.
	left, err := s.router.Registry().IsLeft(ref.Key())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if left {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "skipped", "reason": "chat already left",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTextTimeout)
	defer cancel()

	b, err := s.router.PickForChat(ref.Key(), config.ServiceSendText)
	if err != nil {
		if h.tryBotFallback(ctx, s, w, ref, &req, disablePreview, err) {
			return
		}
		s.recordError(err.Error())
		writeOperationError(w, err)
		return
	}

	result, err := h.attempt(ctx, s, b, ref, &req, disablePreview)
	if err != nil {
		s.router.HandleError(b, err, ref.Key(), string(config.ServiceSendText))
		s.recordError(err.Error())

		// Flood-wait и нерезолв — кандидаты на один failover: другой мост
		// может знать сущность или быть вне лимита.
		_, isFlood := bridge.AsFloodWait(err)
		if isFlood || bridge.IsUnresolvable(err) {
			if next := s.router.Pool().GetNextHealthy(config.ServiceSendText, b.Key()); next != nil {
				s.log.Warn("send_text failover attempt",
					zap.String("from", b.Key()), zap.String("to", next.Key()))
				result, err = h.attempt(ctx, s, next, ref, &req, disablePreview)
				if err == nil && ref.IsID() {
					_ = s.router.Registry().LogFailover(ref.Key(), b.AccountName, next.AccountName, "send failover")
					_ = s.router.Registry().UpdateAccount(ref.Key(), next.AccountName)
				} else if err != nil {
					s.router.HandleError(next, err, ref.Key(), string(config.ServiceSendText))
				}
			}
		}
	}
	if err != nil {
		s.saveFailedInbound(raw, err.Error())
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// attempt — одна попытка отправки через заданный мост.
func (h *sendTextHandler) attempt(ctx context.Context, s *Server, b *bridge.Bridge, ref chatid.Ref, req *sendTextRequest, disablePreview bool) (*sendTextResult, error) {
	target, err := b.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	chatIDOut := responseChatID(ref, target)

	// Личка без тегирования — простой текст без выборки участников.
	if target.Kind == entity.KindUser && !req.TagClient {
		msgID, sendErr := h.send(ctx, b, target, req.Text, req.ParseMode, disablePreview, req.ReplyTo, nil)
		if sendErr != nil {
			return nil, sendErr
		}
		s.router.HandleSuccess(b, ref.Key(), string(config.ServiceSendText))
		return &sendTextResult{
			Status: "ok", ChatID: chatIDOut, MessageID: msgID, ChatType: target.Kind.String(),
		}, nil
	}

	// Участники нужны только группам.
	var participants []entity.Entity
	if target.Kind != entity.KindUser {
		participants, err = fetchParticipants(ctx, b, target)
		if err != nil {
			s.log.Warn("participants fetch failed", zap.Error(err))
		}
	}

	excludeIDs := h.resolveExcluded(ctx, b, req.ExcludeUsernames)
	client, found := h.resolveClient(ctx, b, target, participants, req, excludeIDs)

	text := buildTaggedText(req.Text, client, found)

	var resolver tgfmt.UserResolver
	if found {
		resolver = mentionResolver(client)
	}
	msgID, err := h.send(ctx, b, target, text, req.ParseMode, disablePreview, req.ReplyTo, resolver)
	if err != nil {
		return nil, err
	}
	s.router.HandleSuccess(b, ref.Key(), string(config.ServiceSendText))

	result := &sendTextResult{
		Status: "ok", ChatID: chatIDOut, MessageID: msgID, ChatType: target.Kind.String(),
	}
	if found {
		result.ClientTaggedID = client.ID
		result.ClientTaggedName = clientLabel(client)
	}
	return result, nil
}

// send выполняет MessagesSendMessage.
func (h *sendTextHandler) send(ctx context.Context, b *bridge.Bridge, target entity.Entity, text, parseMode string, disablePreview bool, replyTo int, resolver tgfmt.UserResolver) (int, error) {
	plain, entities, err := tgfmt.Build(parseMode, text, resolver)
	if err != nil {
		return 0, err
	}

	request := &tg.MessagesSendMessageRequest{
		Peer:      target.InputPeer(),
		Message:   plain,
		RandomID:  randomID(),
		NoWebpage: disablePreview,
	}
	if len(entities) > 0 {
		request.Entities = entities
	}
	if replyTo != 0 {
		request.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: replyTo}
	}

	var updates tg.UpdatesClass
	err = b.WithRetry(ctx, func(ctx context.Context) error {
		var rpcErr error
		updates, rpcErr = b.API().MessagesSendMessage(ctx, request)
		return rpcErr
	})
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return firstMessageID(updates), nil
}

// resolveExcluded переводит exclude_usernames в набор id; неудачи резолва
// просто сужают исключения.
func (h *sendTextHandler) resolveExcluded(ctx context.Context, b *bridge.Bridge, usernames []string) map[int64]struct{} {
	out := make(map[int64]struct{}, len(usernames))
	for _, uname := range usernames {
		if ent, err := b.ResolveUsername(ctx, uname); err == nil {
			out[ent.ID] = struct{}{}
		}
	}
	return out
}

// resolveClient находит пользователя для тегирования.
// Личка + tag_client: сам peer, если не бот и не мы. Иначе по приоритету:
// client_id (участники → резолв), client_username, эвристика — первый
// участник не-бот, не-self, не из исключений.
func (h *sendTextHandler) resolveClient(ctx context.Context, b *bridge.Bridge, target entity.Entity, participants []entity.Entity, req *sendTextRequest, exclude map[int64]struct{}) (entity.Entity, bool) {
	if target.Kind == entity.KindUser {
		if req.TagClient && !target.Bot && target.ID != b.SelfID() {
			return target, true
		}
		return entity.Entity{}, false
	}

	if req.ClientID != 0 {
		for _, p := range participants {
			if p.ID == req.ClientID {
				return p, true
			}
		}
		if ent, err := b.ResolveID(ctx, req.ClientID); err == nil && ent.Kind == entity.KindUser {
			return ent, true
		}
	}

	if req.ClientUsername != "" {
		uname := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.ClientUsername), "@"))
		for _, p := range participants {
			if strings.ToLower(p.Username) == uname {
				return p, true
			}
		}
		if ent, err := b.ResolveUsername(ctx, req.ClientUsername); err == nil && ent.Kind == entity.KindUser {
			return ent, true
		}
	}

	for _, p := range participants {
		if p.Bot || p.ID == b.SelfID() {
			continue
		}
		if _, excluded := exclude[p.ID]; excluded {
			continue
		}
		return p, true
	}
	return entity.Entity{}, false
}

// buildTaggedText подставляет упоминание клиента в placeholder {client} /
// {{client}} либо префиксует им сообщение.
func buildTaggedText(text string, client entity.Entity, found bool) string {
	mention := ""
	if found {
		mention = tgfmt.Mention(client.ID, clientLabel(client))
	}
	if strings.Contains(text, "{{client}}") || strings.Contains(text, "{client}") {
		text = strings.ReplaceAll(text, "{{client}}", mention)
		return strings.ReplaceAll(text, "{client}", mention)
	}
	if mention == "" {
		return text
	}
	return mention + ", " + text
}

func clientLabel(client entity.Entity) string {
	if client.Title != "" {
		return client.Title
	}
	if client.Username != "" {
		return "@" + client.Username
	}
	return fmt.Sprintf("id%d", client.ID)
}

// mentionResolver отдаёт access-hash тегированного клиента HTML-парсеру.
func mentionResolver(client entity.Entity) tgfmt.UserResolver {
	return func(id int64) (tg.InputUserClass, error) {
		if id != client.ID {
			return nil, fmt.Errorf("unknown user %d", id)
		}
		iu, ok := client.InputUser()
		if !ok {
			return nil, fmt.Errorf("entity %d is not a user", id)
		}
		return iu, nil
	}
}

// responseChatID: числовые ссылки отвечаем канонической формой запроса,
// username — канонической формой разрешённой сущности.
func responseChatID(ref chatid.Ref, target entity.Entity) any {
	if ref.IsID() {
		return ref.ID
	}
	return target.CanonicalID()
}

// tryBotFallback пробует доставку через Bot API, когда пул пуст.
// Возвращает true, если ответ уже записан.
func (h *sendTextHandler) tryBotFallback(ctx context.Context, s *Server, w http.ResponseWriter, ref chatid.Ref, req *sendTextRequest, disablePreview bool, pickErr error) bool {
	if !h.fallback.Configured() || !ref.IsID() {
		return false
	}
	if pickErr != nil && !isNoBridges(pickErr) {
		return false
	}
	msgID, err := h.fallback.SendText(ctx, ref.ID, req.Text, req.ParseMode, disablePreview, req.ReplyTo)
	if err != nil {
		s.log.Warn("bot fallback failed", zap.Error(err))
		return false
	}
	writeJSON(w, http.StatusOK, &sendTextResult{
		Status: "ok", ChatID: ref.ID, MessageID: msgID, ChatType: "unknown", Via: "bot_api",
	})
	return true
}

func isNoBridges(err error) bool {
	return errors.Is(err, router.ErrNoHealthyBridges)
}
