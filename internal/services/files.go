// Нормализация файловых ссылок send_media: URL, ссылка на пост
// t.me/<канал>/<id>, локальный путь или объект с метаданными.
package services

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// FileEntry — нормализованная запись файла из запроса.
type FileEntry struct {
	Ref               string
	Filename          string
	ForceDocument     bool
	SupportsStreaming *bool
}

var tgPostPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:https?://)?t\.me/([^/]+)/(\d+)$`),
	regexp.MustCompile(`^(?:https?://)?telegram\.me/([^/]+)/(\d+)$`),
}

var videoExtensions = []string{".mp4", ".mov", ".m4v", ".webm", ".mkv"}

var photoExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// parseFileEntry принимает строку либо объект
// {file|url|path, filename?, force_document?, supports_streaming?}.
func parseFileEntry(v any) (FileEntry, error) {
	switch item := v.(type) {
	case string:
		if strings.TrimSpace(item) == "" {
			return FileEntry{}, fmt.Errorf("empty file reference")
		}
		return FileEntry{Ref: item}, nil
	case map[string]any:
		var entry FileEntry
		for _, key := range []string{"file", "url", "path"} {
			if raw, ok := item[key].(string); ok && strings.TrimSpace(raw) != "" {
				entry.Ref = raw
				break
			}
		}
		if entry.Ref == "" {
			return FileEntry{}, fmt.Errorf("empty file reference")
		}
		if name, ok := item["filename"].(string); ok {
			entry.Filename = name
		}
		if force, ok := item["force_document"].(bool); ok {
			entry.ForceDocument = force
		}
		if streaming, ok := item["supports_streaming"].(bool); ok {
			entry.SupportsStreaming = &streaming
		}
		return entry, nil
	default:
		return FileEntry{}, fmt.Errorf("unsupported file reference format %T", v)
	}
}

// parseFileEntries разбирает массив files.
func parseFileEntries(files []any) ([]FileEntry, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("files must be a non-empty list")
	}
	out := make([]FileEntry, 0, len(files))
	for i, f := range files {
		entry, err := parseFileEntry(f)
		if err != nil {
			return nil, fmt.Errorf("files[%d]: %w", i, err)
		}
		out = append(out, entry)
	}
	applyStreamingDefault(out)
	return out, nil
}

// applyStreamingDefault: для единственного файла без force_document и без
// явного supports_streaming включает стриминг по видео-подобному имени.
func applyStreamingDefault(entries []FileEntry) {
	if len(entries) != 1 {
		return
	}
	e := &entries[0]
	if e.ForceDocument || e.SupportsStreaming != nil {
		return
	}
	if looksLikeVideo(fileHint(*e)) {
		streaming := true
		e.SupportsStreaming = &streaming
	}
}

// parseTelegramPost распознаёт ссылку вида t.me/<канал>/<id>.
func parseTelegramPost(link string) (channel string, msgID int, ok bool) {
	trimmed := strings.TrimSpace(link)
	for _, p := range tgPostPatterns {
		if m := p.FindStringSubmatch(trimmed); m != nil {
			id, err := strconv.Atoi(m[2])
			if err != nil {
				return "", 0, false
			}
			return m[1], id, true
		}
	}
	return "", 0, false
}

// isHTTPURL сообщает, что строка — http(s)-URL.
func isHTTPURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// fileHint — строка для эвристик типа файла: имя приоритетнее ссылки.
func fileHint(e FileEntry) string {
	if e.Filename != "" {
		return e.Filename
	}
	return e.Ref
}

// looksLikeVideo распознаёт видео по MIME-префиксу или расширению.
func looksLikeVideo(hint string) bool {
	if hint == "" {
		return false
	}
	v := strings.ToLower(hint)
	if i := strings.IndexByte(v, '?'); i >= 0 {
		v = v[:i]
	}
	if strings.HasPrefix(v, "video/") {
		return true
	}
	for _, ext := range videoExtensions {
		if strings.HasSuffix(v, ext) {
			return true
		}
	}
	return false
}

// looksLikePhoto распознаёт фото по расширению.
func looksLikePhoto(hint string) bool {
	if hint == "" {
		return false
	}
	v := strings.ToLower(hint)
	if i := strings.IndexByte(v, '?'); i >= 0 {
		v = v[:i]
	}
	for _, ext := range photoExtensions {
		if strings.HasSuffix(v, ext) {
			return true
		}
	}
	return false
}
