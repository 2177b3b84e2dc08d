// Выборка участников чата: до 200 последних. Для супергрупп —
// ChannelsGetParticipants(recent), для basic-групп — полная карточка чата.
package services

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"

	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/entity"
)

// participantsLimit — максимум участников, извлекаемых для тегирования и kick.
const participantsLimit = 200

// fetchParticipants возвращает участников группы (пусто для пользователей).
func fetchParticipants(ctx context.Context, b *bridge.Bridge, ent entity.Entity) ([]entity.Entity, error) {
	switch ent.Kind {
	case entity.KindSupergroup:
		inputChannel, _ := ent.InputChannel()
		var resp tg.ChannelsChannelParticipantsClass
		err := b.WithRetry(ctx, func(ctx context.Context) error {
			var rpcErr error
			resp, rpcErr = b.API().ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
				Channel: inputChannel,
				Filter:  &tg.ChannelParticipantsRecent{},
				Offset:  0,
				Limit:   participantsLimit,
			})
			return rpcErr
		})
		if err != nil {
			return nil, fmt.Errorf("get participants: %w", err)
		}
		full, ok := resp.(*tg.ChannelsChannelParticipants)
		if !ok {
			return nil, nil
		}
		out := make([]entity.Entity, 0, len(full.Users))
		for _, u := range full.Users {
			if userEnt, isUser := entity.FromUserClass(u); isUser {
				out = append(out, userEnt)
			}
		}
		return out, nil

	case entity.KindBasicGroup:
		var full *tg.MessagesChatFull
		err := b.WithRetry(ctx, func(ctx context.Context) error {
			var rpcErr error
			full, rpcErr = b.API().MessagesGetFullChat(ctx, ent.ID)
			return rpcErr
		})
		if err != nil {
			return nil, fmt.Errorf("get full chat: %w", err)
		}
		out := make([]entity.Entity, 0, len(full.Users))
		for _, u := range full.Users {
			if userEnt, isUser := entity.FromUserClass(u); isUser {
				out = append(out, userEnt)
			}
		}
		return out, nil

	default:
		return nil, nil
	}
}
