package download

import "errors"

var (
	// ErrZeroSize indicates the server advertised a zero-length, non-chunked body.
	ErrZeroSize = errors.New("media size is zero")
	// ErrSizeLimit indicates the advertised size exceeds the configured ceiling.
	ErrSizeLimit = errors.New("media exceeds size limit")
	// ErrDurationLimit indicates the source duration exceeds the configured ceiling.
	ErrDurationLimit = errors.New("media exceeds duration limit")
	// ErrDownloadFailed indicates retries were exhausted or the stream failed terminally.
	ErrDownloadFailed = errors.New("media download failed")
	// ErrMergeFailed indicates the external muxer exited non-zero.
	ErrMergeFailed = errors.New("merging audio and video failed")
	// ErrParseFailed indicates the external extractor could not read the source.
	ErrParseFailed = errors.New("extracting media info failed")
)

// IsPolicyRejection reports whether err is a size/duration policy rejection
// rather than a transport failure. Policy rejections are never retried and
// leave no artifact behind.
func IsPolicyRejection(err error) bool {
	return errors.Is(err, ErrZeroSize) ||
		errors.Is(err, ErrSizeLimit) ||
		errors.Is(err, ErrDurationLimit)
}

// transientError marks failures worth retrying: connection errors, timeouts,
// HTTP error statuses, interrupted body reads.
type transientError struct {
	err error
}

func (t *transientError) Error() string {
	return t.err.Error()
}

func (t *transientError) Unwrap() error {
	return t.err
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
