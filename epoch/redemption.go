package epoch

import (
	"context"
	"net/http"

	fluidsync "github.com/fluidsync/client-go"
	"github.com/fluidsync/client-go/internal/deferred"
)

// RedemptionTracker coordinates the race between the first storage call
// that proves file access and the session join that depends on it. A
// one-shot latch is resolved by any successful response; a join that fails
// with 404 before redemption waits for the latch and retries once.
type RedemptionTracker struct {
	*Tracker
	latch *deferred.Deferred[struct{}]
}

// NewRedemptionTracker wraps a tracker with the redemption latch.
func NewRedemptionTracker(t *Tracker) *RedemptionTracker {
	return &RedemptionTracker{
		Tracker: t,
		latch:   deferred.New[struct{}](),
	}
}

// Redeemed reports whether any request has succeeded yet.
func (rt *RedemptionTracker) Redeemed() bool {
	return rt.latch.IsCompleted()
}

// FetchAndParseWithRedemption is FetchAndParseAsJSON with the redemption
// protocol applied:
//
//   - any success resolves the latch;
//   - a failed treesLatest rejects the latch with the same error;
//   - a joinSession 404 issued before the latch completed awaits the latch
//     and retries exactly once;
//   - every other failure propagates unchanged.
func FetchAndParseWithRedemption[T any](ctx context.Context, rt *RedemptionTracker, requestURL string, opts RequestOptions, fetchType FetchType, addInBody bool) (T, error) {
	redeemedAtEntry := rt.latch.IsCompleted()

	value, err := FetchAndParseAsJSON[T](ctx, rt.Tracker, requestURL, opts, fetchType, addInBody)
	if err == nil {
		rt.latch.Resolve(struct{}{})
		return value, nil
	}

	if fetchType == FetchTypeTreesLatest {
		rt.latch.Reject(err)
		return value, err
	}

	if fetchType == FetchTypeJoinSession &&
		fluidsync.StatusCodeOf(err) == http.StatusNotFound &&
		!redeemedAtEntry {
		if _, lerr := rt.latch.Await(ctx); lerr != nil {
			return value, lerr
		}
		value, err = FetchAndParseAsJSON[T](ctx, rt.Tracker, requestURL, opts, fetchType, addInBody)
		if err == nil {
			rt.latch.Resolve(struct{}{})
		}
		return value, err
	}

	return value, err
}
