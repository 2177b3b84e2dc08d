// Пакет botapi — fallback-доставка через Telegram Bot API, когда все
// пользовательские мосты исчерпаны (бан, flood-wait, ошибки). Бот должен
// заранее состоять в целевых группах. Текст и медиа по URL; тип медиа
// определяется по расширению, иначе документ.
package botapi

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mtproto-gateway/internal/infra/logger"
)

// botRPS — целевая частота запросов Bot API.
const botRPS = 1

var (
	photoExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
	videoExts = []string{".mp4", ".mov", ".m4v", ".webm", ".mkv"}
)

// Fallback — обёртка Bot API. Nil-значение безопасно: методы возвращают ошибку.
type Fallback struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	log     *zap.Logger
}

// New создаёт fallback-клиент; возвращает (nil, nil) при пустом токене.
func New(token string) (*Fallback, error) {
	if token == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot api init: %w", err)
	}
	return &Fallback{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(botRPS), botRPS*2),
		log:     logger.Named("bot_fallback"),
	}, nil
}

// Configured сообщает, доступен ли fallback.
func (f *Fallback) Configured() bool {
	return f != nil && f.bot != nil
}

// SendText отправляет текстовое сообщение. Возвращает message_id.
func (f *Fallback) SendText(ctx context.Context, chatID int64, text, parseMode string, disablePreview bool, replyTo int) (int, error) {
	if !f.Configured() {
		return 0, fmt.Errorf("bot token not configured")
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = normalizeParseMode(parseMode)
	msg.DisableWebPagePreview = disablePreview
	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
	}

	f.log.Info("bot fallback send_text",
		zap.Int64("chat_id", chatID), zap.Int("len", len(text)))
	sent, err := f.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("bot api sendMessage: %w", err)
	}
	return sent.MessageID, nil
}

// SendMediaByURL отправляет медиа по URL: фото/видео по расширению,
// остальное — документом.
func (f *Fallback) SendMediaByURL(ctx context.Context, chatID int64, fileURL, caption, parseMode string, forceDocument bool) (int, error) {
	if !f.Configured() {
		return 0, fmt.Errorf("bot token not configured")
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	mode := normalizeParseMode(parseMode)
	file := tgbotapi.FileURL(fileURL)

	var chattable tgbotapi.Chattable
	switch {
	case !forceDocument && hasAnyExt(fileURL, photoExts):
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = caption
		photo.ParseMode = mode
		chattable = photo
	case !forceDocument && hasAnyExt(fileURL, videoExts):
		video := tgbotapi.NewVideo(chatID, file)
		video.Caption = caption
		video.ParseMode = mode
		chattable = video
	default:
		doc := tgbotapi.NewDocument(chatID, file)
		doc.Caption = caption
		doc.ParseMode = mode
		chattable = doc
	}

	f.log.Info("bot fallback send_media", zap.Int64("chat_id", chatID))
	sent, err := f.bot.Send(chattable)
	if err != nil {
		return 0, fmt.Errorf("bot api send media: %w", err)
	}
	return sent.MessageID, nil
}

// hasAnyExt проверяет расширение без query-части URL.
func hasAnyExt(fileURL string, exts []string) bool {
	clean := strings.ToLower(fileURL)
	if i := strings.IndexByte(clean, '?'); i >= 0 {
		clean = clean[:i]
	}
	for _, ext := range exts {
		if strings.HasSuffix(clean, ext) {
			return true
		}
	}
	return false
}

func normalizeParseMode(parseMode string) string {
	if strings.EqualFold(parseMode, "html") || parseMode == "" {
		return tgbotapi.ModeHTML
	}
	if strings.EqualFold(parseMode, "markdown") {
		return tgbotapi.ModeMarkdown
	}
	return tgbotapi.ModeHTML
}
