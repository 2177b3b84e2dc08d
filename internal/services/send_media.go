// POST /send_media — отправка медиа/документов с подписью по user_id или
// username. Ссылки на посты t.me перекладываются без повторной загрузки;
// URL уходят external-медиа; локальные пути загружаются аплоадером.
//
// JSON запрос:
//
//	{
//	    "user_id": 123456,       // или "username": "@channel"
//	    "files": ["https://..."],
//	    "caption": "Подпись",
//	    "parse_mode": "html",
//	    "disable_web_page_preview": false
//	}
package services

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"mtproto-gateway/internal/adapters/botapi"
	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/entity"
	"mtproto-gateway/internal/core/router"
	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/services/tgfmt"
)

type sendMediaRequest struct {
	UserID                any    `json:"user_id"`
	Username              string `json:"username"`
	Files                 []any  `json:"files"`
	Caption               string `json:"caption"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMediaHandler struct {
	fallback *botapi.Fallback
}

// NewSendMediaServer собирает HTTP-сервер сервиса send_media.
func NewSendMediaServer(rt *router.Router, fb *botapi.Fallback) *Server {
	h := &sendMediaHandler{fallback: fb}
	return newServer(config.ServiceSendMedia, rt, h.handle)
}

func (h *sendMediaHandler) handle(s *Server, w http.ResponseWriter, r *http.Request) {
	var req sendMediaRequest
	raw, err := decodeJSON(r, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, err := parseUserID(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if userID == 0 && strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "Specify 'user_id' or 'username'")
		return
	}
	entries, err := parseFileEntries(req.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ParseMode == "" {
		req.ParseMode = "html"
	}

	if userID != 0 {
		left, leftErr := s.router.Registry().IsLeft(strconv.FormatInt(userID, 10))
		if leftErr != nil {
			writeError(w, http.StatusInternalServerError, leftErr.Error())
			return
		}
		if left {
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "skipped", "reason": "chat already left",
			})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendMediaTimeout)
	defer cancel()

	b, err := s.router.PickForRecipient(config.ServiceSendMedia, userID, req.Username)
	if err != nil {
		if h.tryBotFallback(ctx, s, w, userID, entries, &req, err) {
			return
		}
		s.recordError(err.Error())
		writeOperationError(w, err)
		return
	}

	msgIDs, err := h.attempt(ctx, s, b, userID, entries, &req)
	if err != nil {
		opKey := mediaOpKey(userID, req.Username)
		s.router.HandleError(b, err, opKey, string(config.ServiceSendMedia))
		s.recordError(err.Error())

		switch {
		case isDomainMediaError(err):
			// Доменные ошибки провалятся идентично на любом мосте:
			// failover не делаем, сохраняем запрос и отдаём статус.
			s.saveFailedInbound(raw, err.Error())
			writeOperationError(w, err)
			return
		default:
			_, isFlood := bridge.AsFloodWait(err)
			if isFlood || bridge.IsUnresolvable(err) {
				for _, next := range s.router.Pool().GetAllHealthyExcept(config.ServiceSendMedia, b.Key()) {
					s.log.Warn("send_media failover attempt",
						zap.String("from", b.Key()), zap.String("to", next.Key()), zap.Error(err))
					msgIDs, err = h.attempt(ctx, s, next, userID, entries, &req)
					if err == nil {
						break
					}
					s.router.HandleError(next, err, opKey, string(config.ServiceSendMedia))
				}
			}
		}
	}
	if err != nil {
		s.saveFailedInbound(raw, err.Error())
		writeOperationError(w, err)
		return
	}

	recipient := any(req.Username)
	if userID != 0 {
		recipient = userID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"recipient":   recipient,
		"message_ids": msgIDs,
		"count":       len(msgIDs),
	})
}

// attempt выполняет отправку через заданный мост.
func (h *sendMediaHandler) attempt(ctx context.Context, s *Server, b *bridge.Bridge, userID int64, entries []FileEntry, req *sendMediaRequest) ([]int, error) {
	recipient, err := resolveRecipient(ctx, b, userID, req.Username)
	if err != nil {
		return nil, err
	}
	peer := recipient.InputPeer()

	prepared := make([]tg.InputMediaClass, 0, len(entries))
	for i := range entries {
		media, prepErr := h.prepareMedia(ctx, b, entries[i])
		if prepErr != nil {
			return nil, fmt.Errorf("files[%d]: %w", i, prepErr)
		}
		prepared = append(prepared, media)
	}

	caption, captionEntities, err := tgfmt.Build(req.ParseMode, req.Caption, nil)
	if err != nil {
		return nil, err
	}

	var updates tg.UpdatesClass
	if len(prepared) == 1 {
		request := &tg.MessagesSendMediaRequest{
			Peer:     peer,
			Media:    prepared[0],
			Message:  caption,
			RandomID: randomID(),
		}
		if len(captionEntities) > 0 {
			request.Entities = captionEntities
		}
		err = b.WithRetry(ctx, func(ctx context.Context) error {
			var rpcErr error
			updates, rpcErr = b.API().MessagesSendMedia(ctx, request)
			return rpcErr
		})
	} else {
		updates, err = h.sendAlbum(ctx, b, peer, prepared, caption, captionEntities)
	}
	if err != nil {
		return nil, err
	}

	opKey := mediaOpKey(userID, req.Username)
	s.router.HandleSuccess(b, opKey, string(config.ServiceSendMedia))
	return messageIDsFromUpdates(updates), nil
}

// sendAlbum собирает мультимедиа-пачку: external/uploaded медиа сперва
// материализуются через MessagesUploadMedia, подпись идёт на первом элементе.
func (h *sendMediaHandler) sendAlbum(ctx context.Context, b *bridge.Bridge, peer tg.InputPeerClass, prepared []tg.InputMediaClass, caption string, captionEntities []tg.MessageEntityClass) (tg.UpdatesClass, error) {
	multi := make([]tg.InputSingleMedia, 0, len(prepared))
	for i, media := range prepared {
		concrete, err := h.materializeMedia(ctx, b, peer, media)
		if err != nil {
			return nil, fmt.Errorf("album item %d: %w", i, err)
		}
		single := tg.InputSingleMedia{
			Media:    concrete,
			RandomID: randomID(),
		}
		if i == 0 {
			single.Message = caption
			if len(captionEntities) > 0 {
				single.Entities = captionEntities
			}
		}
		multi = append(multi, single)
	}

	var updates tg.UpdatesClass
	err := b.WithRetry(ctx, func(ctx context.Context) error {
		var rpcErr error
		updates, rpcErr = b.API().MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
			Peer:       peer,
			MultiMedia: multi,
		})
		return rpcErr
	})
	if err != nil {
		return nil, fmt.Errorf("send album: %w", err)
	}
	return updates, nil
}

// materializeMedia превращает external/uploaded медиа в конкретное медиа с
// id (требование альбомов). Уже конкретные InputMediaPhoto/Document проходят
// без изменений.
func (h *sendMediaHandler) materializeMedia(ctx context.Context, b *bridge.Bridge, peer tg.InputPeerClass, media tg.InputMediaClass) (tg.InputMediaClass, error) {
	switch media.(type) {
	case *tg.InputMediaPhoto, *tg.InputMediaDocument:
		return media, nil
	}

	var uploaded tg.MessageMediaClass
	err := b.WithRetry(ctx, func(ctx context.Context) error {
		var rpcErr error
		uploaded, rpcErr = b.API().MessagesUploadMedia(ctx, &tg.MessagesUploadMediaRequest{
			Peer:  peer,
			Media: media,
		})
		return rpcErr
	})
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	concrete, err := inputMediaFromMessageMedia(uploaded)
	if err != nil {
		return nil, err
	}
	return concrete, nil
}

// prepareMedia нормализует файловую запись в InputMedia:
// t.me-пост → медиа исходного сообщения; URL → external; локальный путь →
// аплоад. Прочие строки не поддерживаются.
func (h *sendMediaHandler) prepareMedia(ctx context.Context, b *bridge.Bridge, e FileEntry) (tg.InputMediaClass, error) {
	if channel, msgID, ok := parseTelegramPost(e.Ref); ok {
		return h.mediaFromPost(ctx, b, channel, msgID)
	}

	if isHTTPURL(e.Ref) {
		if !e.ForceDocument && looksLikePhoto(fileHint(e)) {
			return &tg.InputMediaPhotoExternal{URL: e.Ref}, nil
		}
		return &tg.InputMediaDocumentExternal{URL: e.Ref}, nil
	}

	if _, statErr := os.Stat(e.Ref); statErr == nil {
		return h.uploadLocalFile(ctx, b, e)
	}

	return nil, fmt.Errorf("unsupported file reference %q", e.Ref)
}

// mediaFromPost достаёт media-нагрузку сообщения t.me/<канал>/<id>.
func (h *sendMediaHandler) mediaFromPost(ctx context.Context, b *bridge.Bridge, channel string, msgID int) (tg.InputMediaClass, error) {
	channelEnt, err := b.ResolveUsername(ctx, channel)
	if err != nil {
		return nil, err
	}
	inputChannel, ok := channelEnt.InputChannel()
	if !ok {
		return nil, fmt.Errorf("t.me link target @%s is not a channel", channel)
	}

	var resp tg.MessagesMessagesClass
	err = b.WithRetry(ctx, func(ctx context.Context) error {
		var rpcErr error
		resp, rpcErr = b.API().ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: inputChannel,
			ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}},
		})
		return rpcErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch post: %w", err)
	}

	var messages []tg.MessageClass
	switch m := resp.(type) {
	case *tg.MessagesChannelMessages:
		messages = m.Messages
	case *tg.MessagesMessages:
		messages = m.Messages
	case *tg.MessagesMessagesSlice:
		messages = m.Messages
	}
	for _, mc := range messages {
		msg, isMsg := mc.(*tg.Message)
		if !isMsg || msg.ID != msgID {
			continue
		}
		if msg.Media == nil {
			return nil, fmt.Errorf("message has no media")
		}
		return inputMediaFromMessageMedia(msg.Media)
	}
	return nil, fmt.Errorf("message not found")
}

// uploadLocalFile загружает файл с диска и собирает uploaded-медиа.
func (h *sendMediaHandler) uploadLocalFile(ctx context.Context, b *bridge.Bridge, e FileEntry) (tg.InputMediaClass, error) {
	up := uploader.NewUploader(b.API())
	var file tg.InputFileClass
	err := b.WithRetry(ctx, func(ctx context.Context) error {
		var upErr error
		file, upErr = up.FromPath(ctx, e.Ref)
		return upErr
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", e.Ref, err)
	}

	if !e.ForceDocument && looksLikePhoto(fileHint(e)) {
		return &tg.InputMediaUploadedPhoto{File: file}, nil
	}

	filename := e.Filename
	if filename == "" {
		filename = filepath.Base(e.Ref)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	attributes := []tg.DocumentAttributeClass{
		&tg.DocumentAttributeFilename{FileName: filename},
	}
	if e.SupportsStreaming != nil && *e.SupportsStreaming {
		attributes = append(attributes, &tg.DocumentAttributeVideo{SupportsStreaming: true})
	}
	return &tg.InputMediaUploadedDocument{
		File:       file,
		MimeType:   mimeType,
		Attributes: attributes,
	}, nil
}

// inputMediaFromMessageMedia переводит media сообщения во входной формат.
func inputMediaFromMessageMedia(media tg.MessageMediaClass) (tg.InputMediaClass, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, fmt.Errorf("photo payload is empty")
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			},
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, fmt.Errorf("document payload is empty")
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported media type %T", media)
	}
}

// resolveRecipient: username приоритетнее; иначе числовой user_id.
func resolveRecipient(ctx context.Context, b *bridge.Bridge, userID int64, username string) (entity.Entity, error) {
	if strings.TrimSpace(username) != "" {
		return b.ResolveUsername(ctx, username)
	}
	return b.ResolveID(ctx, userID)
}

// parseUserID принимает число или строку цифр.
func parseUserID(v any) (int64, error) {
	switch raw := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(raw), nil
	case string:
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return 0, nil
		}
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("user_id must be integer")
		}
		return id, nil
	default:
		return 0, fmt.Errorf("user_id must be integer")
	}
}

// isDomainMediaError — ошибки, которые провалятся одинаково на любом мосте.
func isDomainMediaError(err error) bool {
	return bridge.IsFileReferenceExpired(err) ||
		bridge.IsUsernameNotOccupied(err) ||
		bridge.IsPeerInvalid(err)
}

func mediaOpKey(userID int64, username string) string {
	if userID != 0 {
		return strconv.FormatInt(userID, 10)
	}
	return username
}

// tryBotFallback: пул пуст, единственный URL-файл и числовой получатель —
// пробуем Bot API.
func (h *sendMediaHandler) tryBotFallback(ctx context.Context, s *Server, w http.ResponseWriter, userID int64, entries []FileEntry, req *sendMediaRequest, pickErr error) bool {
	if !h.fallback.Configured() || userID == 0 || !isNoBridges(pickErr) {
		return false
	}
	if len(entries) != 1 || !isHTTPURL(entries[0].Ref) {
		return false
	}
	msgID, err := h.fallback.SendMediaByURL(ctx, userID, entries[0].Ref, req.Caption, req.ParseMode, entries[0].ForceDocument)
	if err != nil {
		s.log.Warn("bot fallback failed", zap.Error(err))
		return false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"recipient":   userID,
		"message_ids": []int{msgID},
		"count":       1,
		"via":         "bot_api",
	})
	return true
}
