// POST /leave_chat — выход из чата. Для супергрупп сначала выкидываются все
// участники (kick с паузами против лимитов), затем аккаунт покидает канал.
// Чат помечается в реестре как left; дальнейшие send-операции по нему
// отбиваются guard'ом.
//
// JSON запрос:
//
//	{
//	    "chat": "-1001234567890"
//	}
package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/chatid"
	"mtproto-gateway/internal/core/entity"
	"mtproto-gateway/internal/core/router"
	"mtproto-gateway/internal/infra/config"
)

// kickInterval — пауза между kick-вызовами (~2 в секунду).
const kickInterval = 500 * time.Millisecond

type leaveChatRequest struct {
	Chat any `json:"chat"`
}

type leaveChatHandler struct{}

// NewLeaveChatServer собирает HTTP-сервер сервиса leave_chat.
func NewLeaveChatServer(rt *router.Router) *Server {
	h := &leaveChatHandler{}
	return newServer(config.ServiceLeaveChat, rt, h.handle)
}

func (h *leaveChatHandler) handle(s *Server, w http.ResponseWriter, r *http.Request) {
	var req leaveChatRequest
	raw, err := decodeJSON(r, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref, err := chatid.ParseRef(req.Chat)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Повторный leave идемпотентен: строка уже left, мосты не трогаем.
	left, err := s.router.Registry().IsLeft(ref.Key())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if left {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok", "left_type": "already_left", "chat_id": ref.Key(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), leaveChatTimeout)
	defer cancel()

	b, err := s.router.PickForChat(ref.Key(), config.ServiceLeaveChat)
	if err != nil {
		s.recordError(err.Error())
		writeOperationError(w, err)
		return
	}

	target, err := b.Resolve(ctx, ref)
	if err != nil {
		// Сущность не резолвится ни через кэш, ни через протокол: с точки
		// зрения этого аккаунта чата больше нет. Помечаем left и выходим.
		if bridge.IsUnresolvable(err) {
			if markErr := s.router.Registry().MarkLeft(ref.Key()); markErr != nil {
				writeError(w, http.StatusInternalServerError, markErr.Error())
				return
			}
			s.router.HandleSuccess(b, ref.Key(), string(config.ServiceLeaveChat))
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "ok", "left_type": "unresolvable", "chat_id": ref.Key(),
			})
			return
		}
		s.router.HandleError(b, err, ref.Key(), string(config.ServiceLeaveChat))
		s.recordError(err.Error())
		s.saveFailedInbound(raw, err.Error())
		writeOperationError(w, err)
		return
	}

	result, err := h.leave(ctx, s, b, target)
	if err != nil {
		s.router.HandleError(b, err, ref.Key(), string(config.ServiceLeaveChat))
		s.recordError(err.Error())
		s.saveFailedInbound(raw, err.Error())
		writeOperationError(w, err)
		return
	}

	if err = s.router.Registry().MarkLeft(ref.Key()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.router.HandleSuccess(b, ref.Key(), string(config.ServiceLeaveChat))

	result["chat_id"] = ref.Key()
	writeJSON(w, http.StatusOK, result)
}

// leave выполняет выход в зависимости от типа сущности.
func (h *leaveChatHandler) leave(ctx context.Context, s *Server, b *bridge.Bridge, target entity.Entity) (map[string]any, error) {
	switch target.Kind {
	case entity.KindSupergroup:
		kicked, err := h.kickAll(ctx, s, b, target)
		if err != nil {
			s.log.Warn("kick pass incomplete", zap.Error(err))
		}
		inputChannel, _ := target.InputChannel()
		err = b.WithRetry(ctx, func(ctx context.Context) error {
			_, rpcErr := b.API().ChannelsLeaveChannel(ctx, inputChannel)
			return rpcErr
		})
		if err != nil {
			return nil, fmt.Errorf("leave channel: %w", err)
		}
		return map[string]any{
			"status": "ok", "left_type": "channel", "id": target.ID, "kicked": kicked,
		}, nil

	case entity.KindBasicGroup:
		err := b.WithRetry(ctx, func(ctx context.Context) error {
			_, rpcErr := b.API().MessagesDeleteChatUser(ctx, &tg.MessagesDeleteChatUserRequest{
				ChatID: target.ID,
				UserID: &tg.InputUserSelf{},
			})
			return rpcErr
		})
		if err != nil {
			return nil, fmt.Errorf("delete chat user: %w", err)
		}
		return map[string]any{
			"status": "ok", "left_type": "basic_chat", "id": target.ID,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported entity type %s", target.Kind)
	}
}

// kickAll выкидывает всех участников, кроме себя: EditBanned(view_messages)
// с паузой kickInterval между вызовами. Возвращает id выкинутых.
func (h *leaveChatHandler) kickAll(ctx context.Context, s *Server, b *bridge.Bridge, target entity.Entity) ([]int64, error) {
	participants, err := fetchParticipants(ctx, b, target)
	if err != nil {
		return nil, err
	}
	inputChannel, _ := target.InputChannel()
	limiter := rate.NewLimiter(rate.Every(kickInterval), 1)

	var kicked []int64
	for _, p := range participants {
		if p.ID == b.SelfID() || p.Self {
			continue
		}
		if waitErr := limiter.Wait(ctx); waitErr != nil {
			return kicked, waitErr
		}
		kickErr := b.WithRetry(ctx, func(ctx context.Context) error {
			_, rpcErr := b.API().ChannelsEditBanned(ctx, &tg.ChannelsEditBannedRequest{
				Channel:     inputChannel,
				Participant: p.InputPeer(),
				BannedRights: tg.ChatBannedRights{
					ViewMessages: true,
					UntilDate:    0,
				},
			})
			return rpcErr
		})
		if kickErr != nil {
			s.log.Warn("kick failed",
				zap.Int64("user_id", p.ID), zap.Error(kickErr))
			continue
		}
		kicked = append(kicked, p.ID)
	}
	return kicked, nil
}
