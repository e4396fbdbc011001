package now

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"
)

func TestNow_ConstValue_Success(t *testing.T) {
	var mockTime = time.Unix(12, 11).UTC()
	backgroundCtx := context.Background()
	ctx := context.WithValue(backgroundCtx, ContextKey, mockTime)

	require.NotEqual(t, mockTime, Now(backgroundCtx))
	require.Equal(t, mockTime, Now(ctx))
}

func TestNow_NowProvider_Success(t *testing.T) {
	var monotonicTime int64 = 0
	var mockTimeProvider = func() time.Time {
		monotonicTime += 1
		return time.Unix(monotonicTime, 0).UTC()
	}
	backgroundCtx := context.Background()
	ctx := context.WithValue(backgroundCtx, ContextKey, NowProvider(mockTimeProvider))

	// Calling with ctx makes repeated calls to mockTimeProvider.
	require.Equal(t, int64(1), Now(ctx).Unix())
	require.Equal(t, int64(2), Now(ctx).Unix())
	require.Equal(t, int64(2), monotonicTime)

	// Calling with backgroundCtx returns the real time.
	require.NotEqual(t, int64(2), Now(backgroundCtx))

	// Assert that mockTimeProvider was not called.
	require.Equal(t, int64(2), monotonicTime)
}

func TestNow_InvalidValue_Panics(t *testing.T) {
	backgroundCtx := context.Background()
	ctx := context.WithValue(backgroundCtx, ContextKey, "strings are not valid types for ContextKey")

	require.Panics(t, func() {
		Now(ctx)
	})
}

func TestToday_ConstValue_ReturnsCivilDateInUTC(t *testing.T) {
	// 23:30 on Dec 31 in UTC is already Jan 1 in UTC+2; Today must use UTC.
	mockTime := time.Date(2025, 12, 31, 23, 30, 0, 0, time.UTC)
	ctx := context.WithValue(context.Background(), ContextKey, mockTime)

	require.Equal(t, civil.Date{Year: 2025, Month: 12, Day: 31}, Today(ctx))
}

func TestTimeTravelCtx_SetTime_ChangesReportedTime(t *testing.T) {
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	ctx := TimeTravelingContext(start)

	require.Equal(t, start, Now(ctx))
	require.Equal(t, civil.Date{Year: 2025, Month: 6, Day: 1}, Today(ctx))

	ctx.SetTime(start.Add(72 * time.Hour))
	require.Equal(t, civil.Date{Year: 2025, Month: 6, Day: 4}, Today(ctx))
}
