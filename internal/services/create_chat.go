// POST /create_chat — создание супергруппы, приглашение участников,
// повышение ботов до администраторов, экспорт invite-ссылки и привязка
// чата к создавшему аккаунту в реестре.
//
// JSON запрос:
//
//	{
//	    "title": "Тест-драйв. Имя. Дата",
//	    "usernames": ["@acc1", "@acc2"],
//	    "client_tg_id": 123456
//	}
package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"mtproto-gateway/internal/adapters/salebot"
	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/entity"
	"mtproto-gateway/internal/core/router"
	"mtproto-gateway/internal/infra/config"
)

// adminBotRank — отображаемый титул бота-администратора.
const adminBotRank = "Admin Bot"

// adminRightsLadder — наборы прав, пробуемые по убыванию. Протокол может
// отклонить отдельные права в зависимости от слоя/состояния чата; при
// отказе пробуем следующий, более узкий набор.
var adminRightsLadder = []tg.ChatAdminRights{
	{
		ChangeInfo: true, PostMessages: true, EditMessages: true,
		DeleteMessages: true, BanUsers: true, InviteUsers: true,
		PinMessages: true, AddAdmins: true, Anonymous: false,
		ManageCall: true, Other: true, ManageTopics: true,
	},
	{
		ChangeInfo: true, DeleteMessages: true, BanUsers: true,
		InviteUsers: true, PinMessages: true, ManageCall: true,
	},
	{
		DeleteMessages: true, InviteUsers: true, PinMessages: true,
	},
}

type createChatRequest struct {
	Title      string   `json:"title"`
	Usernames  []string `json:"usernames"`
	ClientTgID any      `json:"client_tg_id"`
}

type createChatHandler struct {
	callback *salebot.Client
	observer string // username наблюдателя (без @), пусто = выключено
	main     string // имя основного аккаунта
}

// NewCreateChatServer собирает HTTP-сервер сервиса create_chat.
func NewCreateChatServer(rt *router.Router, cb *salebot.Client, observerUsername, mainAccount string) *Server {
	h := &createChatHandler{callback: cb, observer: observerUsername, main: mainAccount}
	return newServer(config.ServiceCreateChat, rt, h.handle)
}

func (h *createChatHandler) handle(s *Server, w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	raw, err := decodeJSON(r, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title must be non-empty")
		return
	}
	if len(req.Usernames) == 0 {
		writeError(w, http.StatusBadRequest, "usernames must be a non-empty list")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), createChatTimeout)
	defer cancel()

	b, err := s.router.PickForCreate(config.ServiceCreateChat)
	if err != nil {
		s.recordError(err.Error())
		writeOperationError(w, err)
		return
	}

	result, err := h.attempt(ctx, s, b, &req)
	if err != nil {
		s.router.HandleError(b, err, "", string(config.ServiceCreateChat))
		s.recordError(err.Error())
		// Веерный повтор всей процедуры на каждом оставшемся здоровом мосте.
		for _, next := range s.router.Pool().GetAllHealthyExcept(config.ServiceCreateChat, b.Key()) {
			s.log.Warn("create_chat retry on another bridge",
				zap.String("bridge", next.Key()), zap.Error(err))
			result, err = h.attempt(ctx, s, next, &req)
			if err == nil {
				break
			}
			s.router.HandleError(next, err, "", string(config.ServiceCreateChat))
		}
	}
	if err != nil {
		s.saveFailedInbound(raw, err.Error())
		writeOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// attempt выполняет полную процедуру создания чата на одном мосте.
func (h *createChatHandler) attempt(ctx context.Context, s *Server, b *bridge.Bridge, req *createChatRequest) (map[string]any, error) {
	debug := map[string]any{"account": b.AccountName}

	// 1. Резолвим приглашаемых; частичные неудачи не фатальны, если остался
	// хотя бы один.
	invitees := make([]entity.Entity, 0, len(req.Usernames))
	var resolveFailures []string
	for _, ref := range req.Usernames {
		ent, resolveErr := resolveInvitee(ctx, b, ref)
		if resolveErr != nil {
			resolveFailures = append(resolveFailures, fmt.Sprintf("%s: %v", ref, resolveErr))
			continue
		}
		if ent.Kind != entity.KindUser {
			resolveFailures = append(resolveFailures, fmt.Sprintf("%s: not a user", ref))
			continue
		}
		invitees = append(invitees, ent)
	}
	if len(resolveFailures) > 0 {
		debug["resolve_failures"] = resolveFailures
	}
	if len(invitees) == 0 {
		return nil, fmt.Errorf("no invitees resolved: %s", strings.Join(resolveFailures, "; "))
	}

	// 2. Создаём супергруппу.
	var created tg.UpdatesClass
	err := b.WithRetry(ctx, func(ctx context.Context) error {
		var rpcErr error
		created, rpcErr = b.API().ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
			Megagroup: true,
			Title:     req.Title,
			About:     "",
		})
		return rpcErr
	})
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	channel, ok := channelFromUpdates(created)
	if !ok {
		return nil, fmt.Errorf("create channel: no channel in response")
	}
	inputChannel, _ := channel.InputChannel()
	chatID := channel.CanonicalID()
	chatKey := strconv.FormatInt(chatID, 10)

	// 3. Открываем полную историю новым участникам.
	err = b.WithRetry(ctx, func(ctx context.Context) error {
		_, rpcErr := b.API().ChannelsTogglePreHistoryHidden(ctx, &tg.ChannelsTogglePreHistoryHiddenRequest{
			Channel: inputChannel,
			Enabled: false,
		})
		return rpcErr
	})
	if err != nil {
		s.log.Warn("toggle pre-history failed", zap.String("chat", chatKey), zap.Error(err))
	}

	// 4. Приглашаем всех одной пачкой.
	inputUsers := make([]tg.InputUserClass, 0, len(invitees))
	for _, ent := range invitees {
		if iu, isUser := ent.InputUser(); isUser {
			inputUsers = append(inputUsers, iu)
		}
	}
	var invited *tg.MessagesInvitedUsers
	err = b.WithRetry(ctx, func(ctx context.Context) error {
		var rpcErr error
		invited, rpcErr = b.API().ChannelsInviteToChannel(ctx, &tg.ChannelsInviteToChannelRequest{
			Channel: inputChannel,
			Users:   inputUsers,
		})
		return rpcErr
	})
	if err != nil {
		return nil, fmt.Errorf("invite to channel: %w", err)
	}
	if invited != nil && len(invited.MissingInvitees) > 0 {
		missing := make([]int64, 0, len(invited.MissingInvitees))
		for _, mi := range invited.MissingInvitees {
			missing = append(missing, mi.UserID)
		}
		debug["missing_invitees"] = missing
		s.log.Warn("some invitees could not be added",
			zap.String("chat", chatKey), zap.Int64s("user_ids", missing))
	}
	debug["invited"] = len(inputUsers)

	// 5. Повышаем ботов до администраторов.
	var promoted []int64
	for _, ent := range invitees {
		if !ent.Bot {
			continue
		}
		if promoteErr := promoteBot(ctx, b, inputChannel, ent); promoteErr != nil {
			s.log.Warn("bot promote failed",
				zap.String("chat", chatKey),
				zap.Int64("bot_id", ent.ID),
				zap.Error(promoteErr))
			continue
		}
		promoted = append(promoted, ent.ID)
	}
	if len(promoted) > 0 {
		debug["promoted_bots"] = promoted
	}

	// 6. Наблюдатель приглашается в чаты backup-аккаунтов: основной аккаунт
	// и так видит свои чаты в CRM.
	if h.observer != "" && b.AccountName != h.main {
		if obsErr := h.inviteObserver(ctx, b, inputChannel); obsErr != nil {
			debug["observer_invite_error"] = obsErr.Error()
			s.log.Warn("observer invite failed", zap.String("chat", chatKey), zap.Error(obsErr))
		} else {
			debug["observer_invited"] = h.observer
		}
	}

	// 7. Экспортируем invite-ссылку.
	inviteLink := ""
	err = b.WithRetry(ctx, func(ctx context.Context) error {
		exported, rpcErr := b.API().MessagesExportChatInvite(ctx, &tg.MessagesExportChatInviteRequest{
			Peer: channel.InputPeer(),
		})
		if rpcErr != nil {
			return rpcErr
		}
		if link, isLink := exported.(*tg.ChatInviteExported); isLink {
			inviteLink = link.Link
		}
		return nil
	})
	if err != nil {
		s.log.Warn("export invite failed", zap.String("chat", chatKey), zap.Error(err))
	}

	// 8. Фиксируем владение и успех.
	if assignErr := s.router.Registry().Assign(chatKey, b.AccountName, req.Title, inviteLink); assignErr != nil {
		return nil, fmt.Errorf("assign chat: %w", assignErr)
	}
	s.router.HandleSuccess(b, chatKey, string(config.ServiceCreateChat))

	// 9. Колбэк платформе: fire-and-forget.
	if h.callback != nil && req.ClientTgID != nil && inviteLink != "" {
		go h.callback.SendInviteLink(context.WithoutCancel(ctx), req.ClientTgID, inviteLink)
	}

	return map[string]any{
		"status":      "ok",
		"chat_id":     chatID,
		"title":       req.Title,
		"invite_link": inviteLink,
		"debug":       debug,
	}, nil
}

// resolveInvitee резолвит ссылку приглашаемого: числовой id, @handle или
// голый username.
func resolveInvitee(ctx context.Context, b *bridge.Bridge, ref string) (entity.Entity, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return entity.Entity{}, fmt.Errorf("empty reference")
	}
	if id, err := strconv.ParseInt(strings.TrimPrefix(trimmed, "-"), 10, 64); err == nil && !strings.HasPrefix(trimmed, "@") {
		if strings.HasPrefix(trimmed, "-") {
			id = -id
		}
		return b.ResolveID(ctx, id)
	}
	return b.ResolveUsername(ctx, trimmed)
}

// promoteBot назначает бота администратором, спускаясь по лестнице наборов
// прав при отказах протокола. Flood-wait пробрасывается сразу.
func promoteBot(ctx context.Context, b *bridge.Bridge, channel *tg.InputChannel, bot entity.Entity) error {
	inputUser, ok := bot.InputUser()
	if !ok {
		return fmt.Errorf("invitee %d is not a user", bot.ID)
	}
	var lastErr error
	for _, rights := range adminRightsLadder {
		err := b.WithRetry(ctx, func(ctx context.Context) error {
			_, rpcErr := b.API().ChannelsEditAdmin(ctx, &tg.ChannelsEditAdminRequest{
				Channel:     channel,
				UserID:      inputUser,
				AdminRights: rights,
				Rank:        adminBotRank,
			})
			return rpcErr
		})
		if err == nil {
			return nil
		}
		if _, isFlood := bridge.AsFloodWait(err); isFlood {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// inviteObserver добавляет наблюдателя одиночным InviteToChannel.
func (h *createChatHandler) inviteObserver(ctx context.Context, b *bridge.Bridge, channel *tg.InputChannel) error {
	observer, err := b.ResolveUsername(ctx, h.observer)
	if err != nil {
		return err
	}
	inputUser, ok := observer.InputUser()
	if !ok {
		return fmt.Errorf("observer @%s is not a user", h.observer)
	}
	return b.WithRetry(ctx, func(ctx context.Context) error {
		_, rpcErr := b.API().ChannelsInviteToChannel(ctx, &tg.ChannelsInviteToChannelRequest{
			Channel: channel,
			Users:   []tg.InputUserClass{inputUser},
		})
		return rpcErr
	})
}

// randomID — random_id для send-вызовов.
func randomID() int64 {
	return rand.Int64() // #nosec G404
}
