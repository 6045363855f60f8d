package download

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"

	e "nuclight.org/mediafetch-bot/pkg/entities"
)

// FileStem derives the deterministic, extension-less cache name for a URL:
// the first 16 hex characters of its md5. Same URL, same stem, always.
func FileStem(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}

// FileName derives the cache file name for a URL, taking the extension from
// the URL path or falling back to defaultExt when the path has none.
func FileName(rawURL, defaultExt string) string {
	ext := defaultExt
	if u, err := url.Parse(rawURL); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = e
		}
	}

	return FileStem(rawURL) + ext
}

func defaultExt(kind e.MediaKind) string {
	switch kind {
	case e.MediaKindVideo:
		return ".mp4"
	case e.MediaKindAudio:
		return ".mp3"
	case e.MediaKindImage:
		return ".jpg"
	default:
		return ".zip"
	}
}
