package services

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTelegramPost(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		link    string
		channel string
		msgID   int
		ok      bool
	}{
		{name: "plain", link: "t.me/somechannel/123", channel: "somechannel", msgID: 123, ok: true},
		{name: "https", link: "https://t.me/somechannel/123", channel: "somechannel", msgID: 123, ok: true},
		{name: "telegramMe", link: "http://telegram.me/ch/7", channel: "ch", msgID: 7, ok: true},
		{name: "spaces", link: "  t.me/ch/1  ", channel: "ch", msgID: 1, ok: true},
		{name: "notAPost", link: "https://t.me/somechannel", ok: false},
		{name: "regularURL", link: "https://example.com/file.mp4", ok: false},
		{name: "trailingPath", link: "t.me/ch/1/extra", ok: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			channel, msgID, ok := parseTelegramPost(tc.link)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.channel, channel)
				require.Equal(t, tc.msgID, msgID)
			}
		})
	}
}

func TestParseFileEntryForms(t *testing.T) {
	t.Parallel()

	entry, err := parseFileEntry("https://example.com/a.jpg")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a.jpg", entry.Ref)

	entry, err = parseFileEntry(map[string]any{
		"url":                "https://example.com/v.mp4",
		"filename":           "clip.mp4",
		"force_document":     true,
		"supports_streaming": false,
	})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/v.mp4", entry.Ref)
	require.Equal(t, "clip.mp4", entry.Filename)
	require.True(t, entry.ForceDocument)
	require.NotNil(t, entry.SupportsStreaming)
	require.False(t, *entry.SupportsStreaming)

	// file/url/path — первый непустой.
	entry, err = parseFileEntry(map[string]any{"path": "/tmp/report.pdf"})
	require.NoError(t, err)
	require.Equal(t, "/tmp/report.pdf", entry.Ref)

	_, err = parseFileEntry("")
	require.Error(t, err)
	_, err = parseFileEntry(map[string]any{"filename": "x"})
	require.Error(t, err)
	_, err = parseFileEntry(42)
	require.Error(t, err)
}

func TestStreamingDefaultForSingleVideo(t *testing.T) {
	t.Parallel()

	entries, err := parseFileEntries([]any{"https://example.com/v.mp4?sig=abc"})
	require.NoError(t, err)
	require.NotNil(t, entries[0].SupportsStreaming)
	require.True(t, *entries[0].SupportsStreaming)

	// force_document выключает эвристику.
	entries, err = parseFileEntries([]any{map[string]any{
		"url": "https://example.com/v.mp4", "force_document": true,
	}})
	require.NoError(t, err)
	require.Nil(t, entries[0].SupportsStreaming)

	// Для альбома умолчание не применяется.
	entries, err = parseFileEntries([]any{
		"https://example.com/a.mp4", "https://example.com/b.mp4",
	})
	require.NoError(t, err)
	require.Nil(t, entries[0].SupportsStreaming)
	require.Nil(t, entries[1].SupportsStreaming)

	// Не-видео не получает стриминг.
	entries, err = parseFileEntries([]any{"https://example.com/doc.pdf"})
	require.NoError(t, err)
	require.Nil(t, entries[0].SupportsStreaming)
}

func TestParseFileEntriesEmpty(t *testing.T) {
	t.Parallel()

	_, err := parseFileEntries(nil)
	require.Error(t, err)
}

func TestVideoAndPhotoHints(t *testing.T) {
	t.Parallel()

	require.True(t, looksLikeVideo("video/mp4"))
	require.True(t, looksLikeVideo("https://x/y.MOV"))
	require.True(t, looksLikeVideo("clip.webm?sig=1"))
	require.False(t, looksLikeVideo("https://x/y.jpg"))
	require.False(t, looksLikeVideo(""))

	require.True(t, looksLikePhoto("pic.JPEG"))
	require.True(t, looksLikePhoto("https://x/a.png?sz=2"))
	require.False(t, looksLikePhoto("doc.pdf"))
}

func TestIsHTTPURL(t *testing.T) {
	t.Parallel()

	require.True(t, isHTTPURL("https://example.com/a"))
	require.True(t, isHTTPURL("http://example.com"))
	require.False(t, isHTTPURL("/local/path.jpg"))
	require.False(t, isHTTPURL("ftp://example.com/a"))
}

func TestParseUserID(t *testing.T) {
	t.Parallel()

	id, err := parseUserID(float64(777))
	require.NoError(t, err)
	require.Equal(t, int64(777), id)

	id, err = parseUserID("12345")
	require.NoError(t, err)
	require.Equal(t, int64(12345), id)

	id, err = parseUserID(nil)
	require.NoError(t, err)
	require.Zero(t, id)

	_, err = parseUserID("abc")
	require.Error(t, err)
	_, err = parseUserID(true)
	require.Error(t, err)
}
