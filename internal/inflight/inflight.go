// Package inflight implements at-most-one-fetch-per-CID deduplication
// for cache-miss fetches. It wraps golang.org/x/sync/singleflight without
// generics, since every caller here fetches the same shape — bytes for a
// CID from an ObjectStore — and exposes that concretely.
//
// © 2025 tiercache authors. MIT License.
package inflight

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/objectfs/tiercache/pkg/cid"
)

// FetchFunc retrieves the bytes for c from whatever backs the cache miss
// path of a cache miss.
type FetchFunc func(ctx context.Context, c cid.CID) ([]byte, error)

// Result is the outcome of a deduplicated fetch. Shared reports whether this
// caller received another goroutine's in-flight result rather than driving
// the fetch itself.
type Result struct {
	Data   []byte
	Err    error
	Shared bool
}

// Group deduplicates concurrent fetches for the same CID: while one fetch
// for a CID is in flight, every other caller for that CID waits on the same
// call instead of issuing a redundant request.
type Group struct {
	g singleflight.Group
}

// New constructs an empty Group.
func New() *Group { return &Group{} }

// Do runs fn for c, or waits for and shares the result of an already
// in-flight call for the same c. If ctx is cancelled while waiting, Do
// returns ctx.Err() immediately without affecting the in-flight call —
// other waiters may still receive its result.
func (g *Group) Do(ctx context.Context, c cid.CID, fn FetchFunc) Result {
	key := c.String()
	// drove is set only if this caller's closure is the one singleflight
	// runs; singleflight's own Shared flag is true for the driver as well.
	drove := false
	resCh := g.g.DoChan(key, func() (any, error) {
		drove = true
		return fn(context.WithoutCancel(ctx), c)
	})

	select {
	case res := <-resCh:
		shared := res.Shared && !drove
		if res.Err != nil {
			return Result{Err: res.Err, Shared: shared}
		}
		return Result{Data: res.Val.([]byte), Shared: shared}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Forget removes c's in-flight entry, if any, so a subsequent Do starts a
// fresh fetch rather than joining a stale in-flight call. Used after an
// Invalidate to ensure the next Get observes it.
func (g *Group) Forget(c cid.CID) {
	g.g.Forget(c.String())
}
