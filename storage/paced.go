package storage

import (
	"context"
	"iter"

	"golang.org/x/time/rate"
)

// PacedStorage throttles requests against a remote backend. Every listing
// page, Open and ReadAt waits on a shared token bucket. Backends that do not
// page their listings wait once per List call.
type PacedStorage struct {
	backend Backend
	limiter *rate.Limiter
}

// NewPacedStorage wraps b with a limiter of rps requests per second. A
// non-positive rps returns b unchanged.
func NewPacedStorage(b Backend, rps float64, burst int) Backend {
	if rps <= 0 {
		return b
	}
	if burst <= 0 {
		burst = 1
	}
	return &PacedStorage{backend: b, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *PacedStorage) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	if pl, ok := p.backend.(pagedLister); ok {
		return pl.listPages(ctx, prefix, p.limiter.Wait)
	}
	return func(yield func(ObjectInfo, error) bool) {
		if err := p.limiter.Wait(ctx); err != nil {
			yield(ObjectInfo{}, err)
			return
		}
		for info, err := range p.backend.List(ctx, prefix) {
			if !yield(info, err) {
				return
			}
		}
	}
}

// pageWait is called before each listing request.
type pageWait func(context.Context) error

func (w pageWait) before(ctx context.Context) error {
	if w == nil {
		return nil
	}
	return w(ctx)
}

// pagedLister is implemented by backends whose listing is one request per
// page.
type pagedLister interface {
	listPages(ctx context.Context, prefix string, wait pageWait) iter.Seq2[ObjectInfo, error]
}

func (p *PacedStorage) Open(ctx context.Context, path string) (Object, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	obj, err := p.backend.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &pacedObject{Object: obj, ctx: ctx, limiter: p.limiter}, nil
}

type pacedObject struct {
	Object
	ctx     context.Context
	limiter *rate.Limiter
}

func (o *pacedObject) ReadAt(p []byte, off int64) (int, error) {
	if err := o.limiter.Wait(o.ctx); err != nil {
		return 0, err
	}
	return o.Object.ReadAt(p, off)
}
