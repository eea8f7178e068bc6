package query

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"
)

// Refresh tracks the refetches started by Invalidate or Refetch.
type Refresh struct {
	waits []<-chan singleflight.Result
	next  int
	errs  []error
}

func (r *Refresh) add(ch <-chan singleflight.Result) {
	r.waits = append(r.waits, ch)
}

func (r *Refresh) Len() int {
	if r == nil {
		return 0
	}
	return len(r.waits)
}

// Wait blocks until every refetch settled and joins their errors. A
// refetch that was itself superseded is not an error. Wait may be called
// again after ctx expired to resume waiting.
func (r *Refresh) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}

	for ; r.next < len(r.waits); r.next++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-r.waits[r.next]:
			if res.Err != nil && !isSuperseded(res.Err) {
				r.errs = append(r.errs, res.Err)
			}
		}
	}
	return errors.Join(r.errs...)
}
