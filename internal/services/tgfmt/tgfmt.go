// Пакет tgfmt переводит текст с parse_mode в пару (текст, entities) для
// MTProto-вызовов. Поддерживаются html (разметка Telegram HTML, включая
// tg://user-упоминания) и plain; неизвестный режим деградирует до plain.
package tgfmt

import (
	"fmt"
	"strings"

	tgentity "github.com/gotd/td/telegram/message/entity"
	"github.com/gotd/td/telegram/message/html"
	"github.com/gotd/td/tg"
)

// UserResolver отдаёт InputUser для tg://user?id=N упоминаний в HTML.
type UserResolver func(id int64) (tg.InputUserClass, error)

// Build разбирает text согласно parseMode.
func Build(parseMode, text string, resolver UserResolver) (string, []tg.MessageEntityClass, error) {
	switch strings.ToLower(strings.TrimSpace(parseMode)) {
	case "html":
		builder := &tgentity.Builder{}
		opts := html.Options{}
		if resolver != nil {
			opts.UserResolver = resolver
		}
		if err := html.HTML(strings.NewReader(text), builder, opts); err != nil {
			return "", nil, fmt.Errorf("parse html: %w", err)
		}
		plain, entities := builder.Complete()
		return plain, entities, nil
	default:
		return text, nil, nil
	}
}

// Mention строит HTML-упоминание пользователя для подстановки в текст.
func Mention(id int64, label string) string {
	if strings.TrimSpace(label) == "" {
		label = "клиент"
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, id, htmlEscape(label))
}

func htmlEscape(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return replacer.Replace(s)
}
