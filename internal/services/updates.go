// Извлечение результатов из tg.UpdatesClass: send-only шлюз не обрабатывает
// поток апдейтов, но ответы RPC-вызовов приходят в том же конверте.
package services

import (
	"github.com/gotd/td/tg"

	"mtproto-gateway/internal/core/entity"
)

// channelFromUpdates достаёт созданный канал из ответа ChannelsCreateChannel.
func channelFromUpdates(updates tg.UpdatesClass) (entity.Entity, bool) {
	var chats []tg.ChatClass
	switch u := updates.(type) {
	case *tg.Updates:
		chats = u.Chats
	case *tg.UpdatesCombined:
		chats = u.Chats
	default:
		return entity.Entity{}, false
	}
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok {
			return entity.FromChannel(ch), true
		}
	}
	return entity.Entity{}, false
}

// messageIDsFromUpdates собирает id отправленных сообщений из ответа
// MessagesSendMessage / MessagesSendMedia / MessagesSendMultiMedia.
func messageIDsFromUpdates(updates tg.UpdatesClass) []int {
	var out []int
	appendMsg := func(m tg.MessageClass) {
		switch msg := m.(type) {
		case *tg.Message:
			out = append(out, msg.ID)
		case *tg.MessageService:
			out = append(out, msg.ID)
		}
	}

	switch u := updates.(type) {
	case *tg.UpdatesTooLong:
	case *tg.UpdateShortSentMessage:
		out = append(out, u.ID)
	case *tg.UpdateShortMessage:
		out = append(out, u.ID)
	case *tg.UpdateShortChatMessage:
		out = append(out, u.ID)
	case *tg.Updates:
		for _, upd := range u.Updates {
			switch item := upd.(type) {
			case *tg.UpdateMessageID:
				out = append(out, item.ID)
			case *tg.UpdateNewMessage:
				appendMsg(item.Message)
			case *tg.UpdateNewChannelMessage:
				appendMsg(item.Message)
			}
		}
	case *tg.UpdatesCombined:
		for _, upd := range u.Updates {
			switch item := upd.(type) {
			case *tg.UpdateMessageID:
				out = append(out, item.ID)
			case *tg.UpdateNewMessage:
				appendMsg(item.Message)
			case *tg.UpdateNewChannelMessage:
				appendMsg(item.Message)
			}
		}
	}

	// UpdateMessageID и UpdateNewChannelMessage могут дублировать один id.
	seen := make(map[int]struct{}, len(out))
	uniq := out[:0]
	for _, id := range out {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	return uniq
}

// firstMessageID возвращает первый id или 0.
func firstMessageID(updates tg.UpdatesClass) int {
	ids := messageIDsFromUpdates(updates)
	if len(ids) == 0 {
		return 0
	}
	return ids[0]
}
