package entities

// MediaKind classifies a downloadable media item.
type MediaKind string

const (
	MediaKindVideo MediaKind = "video"
	MediaKindAudio MediaKind = "audio"
	MediaKindImage MediaKind = "image"
	MediaKindFile  MediaKind = "file"
)

// MediaRequest describes one remote media item to fetch. It is immutable
// once issued; zero-valued fields fall back to the download manager defaults.
type MediaRequest struct {
	URL string

	// TargetName overrides the hash-derived cache file name.
	TargetName string

	// Headers are merged over the manager's common headers.
	Headers map[string]string

	// Proxy overrides the manager's upstream proxy for this request.
	Proxy string

	Kind MediaKind

	// SizeLimitMB caps the artifact size; 0 means the manager ceiling.
	SizeLimitMB float64

	// DurationLimitSec caps playable duration; 0 means the manager ceiling.
	DurationLimitSec int
}

// DownloadResult points at a fully written local artifact.
type DownloadResult struct {
	Path     string
	ByteSize int64
}

// VideoMetadata is what the external extractor reports for a source URL.
type VideoMetadata struct {
	Title        string
	Author       string
	DurationSec  float64
	Timestamp    int64
	ThumbnailURL string
	Description  string
}

// ReactionEvent is one observed message reaction, the arbitration
// side-channel primitive.
type ReactionEvent struct {
	MessageID   int64
	ActorID     int64
	Token       int
	TimestampMs int64
}
