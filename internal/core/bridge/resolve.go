// Резолв сущностей: от ссылки (числовой id или username) к Entity с
// access-hash. Порядок поиска:
//
//	username: RPC-резолв → кэш → мини-рефреш → кэш → RPC ещё раз
//	id:       кэш → мини-рефреш → кэш → peer-обёртки по величине/знаку
//
// Неудача — ErrUnresolvable с размером кэша в сообщении.
package bridge

import (
	"context"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"

	"mtproto-gateway/internal/core/chatid"
	"mtproto-gateway/internal/core/entity"
)

// Resolve разрешает нормализованную ссылку на чат.
func (b *Bridge) Resolve(ctx context.Context, ref chatid.Ref) (entity.Entity, error) {
	if ref.IsID() {
		return b.ResolveID(ctx, ref.ID)
	}
	return b.ResolveUsername(ctx, ref.Username)
}

// ResolveUsername разрешает username через RPC с fallback на кэш и мини-рефреш.
func (b *Bridge) ResolveUsername(ctx context.Context, username string) (entity.Entity, error) {
	uname := strings.TrimPrefix(strings.TrimSpace(username), "@")
	if uname == "" {
		return entity.Entity{}, &ErrUnresolvable{Ref: username, CacheSize: b.cache.Size()}
	}

	ent, err := b.resolveUsernameRPC(ctx, uname)
	if err == nil {
		b.cache.Add(ent)
		return ent, nil
	}
	// Flood-wait не маскируем под «не найдено»: роутер должен увидеть его
	// и перевести мост.
	if _, isFlood := AsFloodWait(err); isFlood {
		return entity.Entity{}, err
	}

	if cached, ok := b.cache.FindByUsername(uname); ok {
		return cached, nil
	}

	_ = b.MiniRefresh(ctx)
	if cached, ok := b.cache.FindByUsername(uname); ok {
		return cached, nil
	}

	// Мини-рефреш мог освежить состояние: последний шанс через RPC.
	if ent, err = b.resolveUsernameRPC(ctx, uname); err == nil {
		b.cache.Add(ent)
		return ent, nil
	}

	return entity.Entity{}, &ErrUnresolvable{Ref: "@" + uname, CacheSize: b.cache.Size()}
}

// ResolveID разрешает числовой идентификатор: кэш, мини-рефреш, затем
// peer-обёртки, соответствующие величине и знаку ссылки.
func (b *Bridge) ResolveID(ctx context.Context, id int64) (entity.Entity, error) {
	if ent, ok := b.cache.FindByID(id); ok {
		return ent, nil
	}

	_ = b.MiniRefresh(ctx)
	if ent, ok := b.cache.FindByID(id); ok {
		return ent, nil
	}

	if ent, ok := b.resolveByPeerWrappers(ctx, id); ok {
		b.cache.Add(ent)
		return ent, nil
	}

	return entity.Entity{}, &ErrUnresolvable{
		Ref:       strconv.FormatInt(id, 10),
		CacheSize: b.cache.Size(),
	}
}

// resolveUsernameRPC — прямой RPC-резолв username.
func (b *Bridge) resolveUsernameRPC(ctx context.Context, uname string) (entity.Entity, error) {
	var resolved *tg.ContactsResolvedPeer
	err := b.WithRetry(ctx, func(ctx context.Context) error {
		var rpcErr error
		resolved, rpcErr = b.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: uname,
		})
		return rpcErr
	})
	if err != nil {
		return entity.Entity{}, err
	}
	return entityFromResolved(resolved)
}

// entityFromResolved выбирает из ответа сущность, соответствующую peer.
func entityFromResolved(resolved *tg.ContactsResolvedPeer) (entity.Entity, error) {
	id := entity.PeerID(resolved.Peer)
	switch resolved.Peer.(type) {
	case *tg.PeerUser:
		for _, u := range resolved.Users {
			if ent, ok := entity.FromUserClass(u); ok && ent.ID == id {
				return ent, nil
			}
		}
	default:
		for _, c := range resolved.Chats {
			if ent, ok := entity.FromChatClass(c); ok && ent.ID == id {
				return ent, nil
			}
		}
	}
	return entity.Entity{}, &ErrUnresolvable{Ref: strconv.FormatInt(id, 10)}
}

// resolveByPeerWrappers пробует peer-обёртку, соответствующую диапазону id:
// канонический супергруппный, отрицательный basic-group, положительный user.
func (b *Bridge) resolveByPeerWrappers(ctx context.Context, id int64) (entity.Entity, bool) {
	switch {
	case id < entity.SupergroupPrefix:
		raw := entity.SupergroupPrefix - id
		var chats tg.MessagesChatsClass
		err := b.WithRetry(ctx, func(ctx context.Context) error {
			var rpcErr error
			chats, rpcErr = b.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
				&tg.InputChannel{ChannelID: raw},
			})
			return rpcErr
		})
		if err != nil {
			return entity.Entity{}, false
		}
		return firstChatEntity(chats, raw)

	case id < 0:
		raw := -id
		var chats tg.MessagesChatsClass
		err := b.WithRetry(ctx, func(ctx context.Context) error {
			var rpcErr error
			chats, rpcErr = b.api.MessagesGetChats(ctx, []int64{raw})
			return rpcErr
		})
		if err != nil {
			return entity.Entity{}, false
		}
		return firstChatEntity(chats, raw)

	default:
		var users []tg.UserClass
		err := b.WithRetry(ctx, func(ctx context.Context) error {
			var rpcErr error
			users, rpcErr = b.api.UsersGetUsers(ctx, []tg.InputUserClass{
				&tg.InputUser{UserID: id},
			})
			return rpcErr
		})
		if err != nil {
			return entity.Entity{}, false
		}
		for _, u := range users {
			if ent, ok := entity.FromUserClass(u); ok && ent.ID == id {
				return ent, true
			}
		}
		return entity.Entity{}, false
	}
}

func firstChatEntity(chats tg.MessagesChatsClass, rawID int64) (entity.Entity, bool) {
	if chats == nil {
		return entity.Entity{}, false
	}
	for _, c := range chats.GetChats() {
		if ent, ok := entity.FromChatClass(c); ok && ent.ID == rawID {
			return ent, true
		}
	}
	return entity.Entity{}, false
}
