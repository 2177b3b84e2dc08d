// Прогрев кэша диалогов.
//
// Полный прогрев выгружает весь список диалогов через MessagesGetDialogs с
// пагинацией по (offset_date, offset_id, offset_peer) и атомарно заменяет
// кэш. Мини-рефреш выгружает одну страницу последних диалогов по требованию
// и ограничен кулдауном, чтобы не нарываться на лимиты протокола.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"mtproto-gateway/internal/core/entity"
	"mtproto-gateway/internal/infra/config"
)

const (
	dialogFetchPageLimit = 100
	miniRefreshLimit     = 100

	// startFloodRetries ограничивает число «проглоченных» flood-wait на
	// прогреве: стартовый листинг диалогов почти всегда получает ~30 с.
	startFloodRetries = 2
)

var errDialogsNotModified = errors.New("dialogs not modified")

// WarmupCache выполняет полный прогрев: выгружает все диалоги и заменяет кэш.
// После успешного прогрева сохраняет снимок и синхронизирует супергруппы
// с реестром (для create_chat-мостов).
func (b *Bridge) WarmupCache(ctx context.Context) error {
	ents, err := b.fetchAllDialogs(ctx)
	if err != nil {
		return fmt.Errorf("warmup cache: %w", err)
	}
	b.cache.Replace(ents)
	b.log.Info("cache warmed", zap.Int("entries", b.cache.Size()))

	if b.snapshots != nil {
		if saveErr := b.snapshots.Save(b.Key(), ents); saveErr != nil {
			b.log.Warn("dialog snapshot save failed", zap.Error(saveErr))
		}
	}
	b.syncAssignments(ents)
	return nil
}

// MiniRefresh выгружает последние диалоги одной страницей и дополняет кэш.
// Срабатывает не чаще MiniRefreshCooldown; повторные вызовы внутри кулдауна
// молча пропускаются.
func (b *Bridge) MiniRefresh(ctx context.Context) error {
	b.mu.Lock()
	if b.clock().Sub(b.lastMiniRefresh) < MiniRefreshCooldown {
		b.mu.Unlock()
		return nil
	}
	b.lastMiniRefresh = b.clock()
	b.mu.Unlock()

	resp, err := b.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      miniRefreshLimit,
	})
	if err != nil {
		b.log.Warn("mini refresh failed", zap.Error(err))
		return fmt.Errorf("mini refresh: %w", err)
	}
	batch, err := normalizeDialogsResponse(resp)
	if err != nil {
		if errors.Is(err, errDialogsNotModified) {
			return nil
		}
		return fmt.Errorf("mini refresh: %w", err)
	}
	ents := entitiesFromBatch(batch)
	b.cache.AddAll(ents)
	b.log.Info("mini refresh done",
		zap.Int("added", len(ents)), zap.Int("total", b.cache.Size()))
	return nil
}

// fetchAllDialogs последовательно выгружает весь список диалогов.
// Пагинация ведётся по (offset_date, offset_id, offset_peer) с accumulated
// access-hash; стартовые flood-wait пережидаются ограниченное число раз.
func (b *Bridge) fetchAllDialogs(ctx context.Context) ([]entity.Entity, error) {
	var out []entity.Entity
	seen := make(map[int64]struct{})

	offsetDate := 0
	offsetID := 0
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	userHashes := make(map[int64]int64)
	channelHashes := make(map[int64]int64)

	floodBudget := startFloodRetries

	for {
		resp, err := b.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogFetchPageLimit,
		})
		if err != nil {
			if wait, ok := tgerr.AsFloodWait(err); ok && floodBudget > 0 {
				floodBudget--
				b.log.Warn("flood wait during dialog fetch",
					zap.Duration("wait", wait))
				if sleepErr := sleepCtx(ctx, wait+time.Second); sleepErr != nil {
					return nil, sleepErr
				}
				continue
			}
			return nil, fmt.Errorf("MessagesGetDialogs: %w", err)
		}

		batch, err := normalizeDialogsResponse(resp)
		if err != nil {
			if errors.Is(err, errDialogsNotModified) {
				return out, nil
			}
			return nil, err
		}
		if len(batch.Dialogs) == 0 {
			break
		}

		for _, ent := range entitiesFromBatch(batch) {
			if _, dup := seen[ent.CanonicalID()]; dup {
				continue
			}
			seen[ent.CanonicalID()] = struct{}{}
			out = append(out, ent)
		}
		updateHashesFromBatch(batch, userHashes, channelHashes)

		lastDialog := batch.Dialogs[len(batch.Dialogs)-1]
		prevOffsetDate := offsetDate
		prevOffsetID := offsetID

		switch dlg := lastDialog.(type) {
		case *tg.Dialog:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerToInput(dlg.Peer, userHashes, channelHashes)
		case *tg.DialogFolder:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerToInput(dlg.Peer, userHashes, channelHashes)
		default:
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if offsetDate == 0 {
			offsetDate = prevOffsetDate
		}
		if offsetID == 0 {
			offsetID = prevOffsetID
		}
		if offsetPeer == nil {
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if len(batch.Dialogs) < dialogFetchPageLimit {
			break
		}
	}

	return out, nil
}

// syncAssignments дописывает в реестр супергруппы, известные create_chat-мосту,
// но отсутствующие в реестре (чаты, созданные до включения реестра).
func (b *Bridge) syncAssignments(ents []entity.Entity) {
	if b.sync == nil || b.Service != config.ServiceCreateChat {
		return
	}
	added := 0
	for _, ent := range ents {
		if ent.Kind != entity.KindSupergroup || !ent.Megagroup {
			continue
		}
		chatID := strconv.FormatInt(ent.CanonicalID(), 10)
		ok, err := b.sync.AssignIfNotExists(chatID, b.AccountName, ent.Title, 0)
		if err != nil {
			b.log.Warn("assignment sync failed", zap.String("chat", chatID), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		_ = b.sync.LogOperation(b.AccountName, "", "sync", "ok",
			fmt.Sprintf("adopted %d chats from dialog cache", added))
		b.log.Info("assignments synced from cache", zap.Int("added", added))
	}
}

func entitiesFromBatch(batch *tg.MessagesDialogs) []entity.Entity {
	out := make([]entity.Entity, 0, len(batch.Users)+len(batch.Chats))
	for _, u := range batch.Users {
		if ent, ok := entity.FromUserClass(u); ok {
			out = append(out, ent)
		}
	}
	for _, c := range batch.Chats {
		if ent, ok := entity.FromChatClass(c); ok {
			out = append(out, ent)
		}
	}
	return out
}

func normalizeDialogsResponse(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, error) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{
			Dialogs:  data.Dialogs,
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesDialogsNotModified:
		return nil, errDialogsNotModified
	default:
		return nil, fmt.Errorf("unexpected dialogs response: %T", resp)
	}
}

func updateHashesFromBatch(batch *tg.MessagesDialogs, userHashes, channelHashes map[int64]int64) {
	for _, e := range batch.Users {
		if user, ok := e.(*tg.User); ok {
			userHashes[user.ID] = user.AccessHash
		}
	}
	for _, e := range batch.Chats {
		if channel, ok := e.(*tg.Channel); ok {
			channelHashes[channel.ID] = channel.AccessHash
		}
	}
}

func messageDate(messages []tg.MessageClass, id int) int {
	for _, msg := range messages {
		switch item := msg.(type) {
		case *tg.Message:
			if item.ID == id {
				return item.Date
			}
		case *tg.MessageService:
			if item.ID == id {
				return item.Date
			}
		}
	}
	return 0
}

func dialogPeerToInput(peer tg.PeerClass, userHashes, channelHashes map[int64]int64) tg.InputPeerClass {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{UserID: p.UserID, AccessHash: userHashes[p.UserID]}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: p.ChannelID, AccessHash: channelHashes[p.ChannelID]}
	default:
		return &tg.InputPeerEmpty{}
	}
}

// sleepCtx ждёт d или отмену контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
