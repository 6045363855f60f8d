package download

import (
	"context"
	"sync"

	e "nuclight.org/mediafetch-bot/pkg/entities"
)

// Lazy binds a fetch to at most one execution. Construct it eagerly, resolve
// on first Get; later Gets return the memoized result or the memoized
// failure without re-running the fetch.
type Lazy struct {
	fetch func(context.Context) (e.DownloadResult, error)

	once sync.Once
	res  e.DownloadResult
	err  error
}

func NewLazy(fetch func(context.Context) (e.DownloadResult, error)) *Lazy {
	return &Lazy{fetch: fetch}
}

func (l *Lazy) Get(ctx context.Context) (e.DownloadResult, error) {
	l.once.Do(func() {
		l.res, l.err = l.fetch(ctx)
	})
	return l.res, l.err
}
