// Package now provides the current time in a way that tests can
// override through the context.
//
// Scheduling works in whole days, so most callers want Today rather
// than Now.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic.
//
// In a test, write a time.Time into a context to use as the return
// value of Now():
//
//	var mockTime = time.Unix(0, 12).UTC()
//	ctx = context.WithValue(ctx, now.ContextKey, mockTime)
//
// The value can also be a NowProvider, which is evaluated on every
// call.
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is the type of function that can be passed as a context
// value. It must be threadsafe if the context crosses goroutines.
type NowProvider func() time.Time

// Now returns the current time or the time from the context.
func Now(ctx context.Context) time.Time {
	if ts := ctx.Value(ContextKey); ts != nil {
		switch v := ts.(type) {
		case NowProvider:
			return v()
		case time.Time:
			return v
		default:
			panic(fmt.Sprintf("Unknown value for ContextKey: %v", v))
		}
	}
	return time.Now()
}

// Today returns the civil date of Now in UTC. New tasks with no
// explicit start date begin on this day.
func Today(ctx context.Context) civil.Date {
	return civil.DateOf(Now(ctx).UTC())
}

// TimeTravelCtx is a test utility that makes it easy to change the
// apparent time partway through a test:
//
//	ctx := now.TimeTravelingContext(tsOne)
//	result1 := doThing(ctx)
//	ctx.SetTime(tsOne.Add(48 * time.Hour))
//	result2 := doThing(ctx)
type TimeTravelCtx struct {
	context.Context

	mutex sync.RWMutex
	ts    time.Time
}

// TimeTravelingContext returns a *TimeTravelCtx using the given time
// and the background context.
func TimeTravelingContext(start time.Time) *TimeTravelCtx {
	t := &TimeTravelCtx{
		ts: start,
	}
	t.Context = context.WithValue(context.Background(), ContextKey, NowProvider(t.now))
	return t
}

func (t *TimeTravelCtx) now() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.ts
}

// SetTime updates the time returned by the embedded context's
// NowProvider. It is thread-safe.
func (t *TimeTravelCtx) SetTime(newTime time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = newTime
}
