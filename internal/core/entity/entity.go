// Пакет entity — тегированное представление сущностей Telegram для шлюза.
// Динамическая типизация протокольной библиотеки (User / Chat / Channel)
// сводится к одному значению Entity с явным Kind; отсюда же строятся
// канонические peer-id и input-peer для RPC-вызовов.
package entity

import (
	"fmt"

	"github.com/gotd/td/tg"
)

// SupergroupPrefix — смещение канонического peer-id супергрупп/каналов:
// каноническая форма = SupergroupPrefix - raw_id (13-значное отрицательное).
const SupergroupPrefix int64 = -1_000_000_000_000

// Kind — тип сущности.
type Kind int

const (
	KindUser Kind = iota
	KindBasicGroup
	KindSupergroup
)

// String возвращает строковое имя типа для логов и ответов HTTP.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindBasicGroup:
		return "basic_group"
	case KindSupergroup:
		return "supergroup"
	default:
		return "unknown"
	}
}

// Entity — разрешённая сущность с access-hash.
// ID всегда хранит «сырой» положительный идентификатор протокола;
// канонические отрицательные формы вычисляются методом CanonicalID.
type Entity struct {
	Kind       Kind
	ID         int64
	AccessHash int64
	Title      string
	Username   string
	Bot        bool
	Self       bool
	Megagroup  bool
	Broadcast  bool
}

// FromUser строит Entity из tg.User.
func FromUser(u *tg.User) Entity {
	return Entity{
		Kind:       KindUser,
		ID:         u.ID,
		AccessHash: u.AccessHash,
		Title:      u.FirstName,
		Username:   u.Username,
		Bot:        u.Bot,
		Self:       u.Self,
	}
}

// FromChat строит Entity из tg.Chat (basic group).
func FromChat(c *tg.Chat) Entity {
	return Entity{
		Kind:  KindBasicGroup,
		ID:    c.ID,
		Title: c.Title,
	}
}

// FromChannel строит Entity из tg.Channel (супергруппа или канал).
func FromChannel(ch *tg.Channel) Entity {
	return Entity{
		Kind:       KindSupergroup,
		ID:         ch.ID,
		AccessHash: ch.AccessHash,
		Title:      ch.Title,
		Username:   ch.Username,
		Megagroup:  ch.Megagroup,
		Broadcast:  ch.Broadcast,
	}
}

// FromUserClass разворачивает tg.UserClass. Возвращает ok=false для
// tg.UserEmpty и прочих пустых вариантов.
func FromUserClass(u tg.UserClass) (Entity, bool) {
	full, ok := u.(*tg.User)
	if !ok {
		return Entity{}, false
	}
	return FromUser(full), true
}

// FromChatClass разворачивает tg.ChatClass: Chat → basic group,
// Channel → supergroup; forbidden/empty варианты отбрасываются.
func FromChatClass(c tg.ChatClass) (Entity, bool) {
	switch chat := c.(type) {
	case *tg.Chat:
		return FromChat(chat), true
	case *tg.Channel:
		return FromChannel(chat), true
	default:
		return Entity{}, false
	}
}

// CanonicalID возвращает канонический peer-id: user → +id, basic group → -id,
// supergroup/channel → -1_000_000_000_000 - id.
func (e Entity) CanonicalID() int64 {
	switch e.Kind {
	case KindBasicGroup:
		return -e.ID
	case KindSupergroup:
		return SupergroupPrefix - e.ID
	default:
		return e.ID
	}
}

// InputPeer строит tg.InputPeerClass для RPC-вызовов.
func (e Entity) InputPeer() tg.InputPeerClass {
	switch e.Kind {
	case KindBasicGroup:
		return &tg.InputPeerChat{ChatID: e.ID}
	case KindSupergroup:
		return &tg.InputPeerChannel{ChannelID: e.ID, AccessHash: e.AccessHash}
	default:
		return &tg.InputPeerUser{UserID: e.ID, AccessHash: e.AccessHash}
	}
}

// InputChannel строит tg.InputChannel; ok=false, если сущность не супергруппа.
func (e Entity) InputChannel() (*tg.InputChannel, bool) {
	if e.Kind != KindSupergroup {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: e.ID, AccessHash: e.AccessHash}, true
}

// InputUser строит tg.InputUser; ok=false, если сущность не пользователь.
func (e Entity) InputUser() (*tg.InputUser, bool) {
	if e.Kind != KindUser {
		return nil, false
	}
	return &tg.InputUser{UserID: e.ID, AccessHash: e.AccessHash}, true
}

// PeerID возвращает идентификатор из tg.PeerClass без учёта типа.
func PeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// CanonicalPeerID возвращает канонический id для tg.PeerClass.
func CanonicalPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return SupergroupPrefix - p.ChannelID
	default:
		return 0
	}
}

// String — краткое представление для логов.
func (e Entity) String() string {
	if e.Username != "" {
		return fmt.Sprintf("%s(%d, @%s)", e.Kind, e.CanonicalID(), e.Username)
	}
	return fmt.Sprintf("%s(%d)", e.Kind, e.CanonicalID())
}
