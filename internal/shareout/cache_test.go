package shareout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCacheFetchAndInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) (Shareout, error) {
		loads++
		return Shareout{ID: int64(loads), CycleID: 3, Status: StatusCalculated, Totals: Totals{TotalActualPayout: dec("7000")}}, nil
	}

	var first Shareout
	require.NoError(t, cache.Fetch(ctx, 3, &first, loader))
	var second Shareout
	require.NoError(t, cache.Fetch(ctx, 3, &second, loader))
	require.Equal(t, 1, loads)
	require.Equal(t, first.ID, second.ID)
	requireAmount(t, "7000", second.TotalActualPayout)
	require.True(t, mr.Exists("shareout:cycle:3:summary:0"))

	require.NoError(t, cache.Invalidate(ctx, 3))
	var third Shareout
	require.NoError(t, cache.Fetch(ctx, 3, &third, loader))
	require.Equal(t, 2, loads)
	require.Equal(t, int64(2), third.ID)
	require.True(t, mr.Exists("shareout:cycle:3:summary:1"))
}

func TestCacheLoaderErrorIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewCache(client, time.Minute)

	var out Shareout
	err := cache.Fetch(context.Background(), 8, &out, func(context.Context) (Shareout, error) {
		return Shareout{}, ErrShareoutNotFound
	})
	require.ErrorIs(t, err, ErrShareoutNotFound)
	require.Empty(t, mr.Keys())
}

func TestServiceReadsThroughCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	svc, repo, _ := newService()
	svc.WithCache(NewCache(client, time.Minute))
	ctx := context.Background()

	_, err := svc.GetCycleShareout(ctx, 3)
	require.ErrorIs(t, err, ErrShareoutNotFound)

	sh, err := svc.CalculateShareout(ctx, 3, 99)
	require.NoError(t, err)

	cached, err := svc.GetCycleShareout(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, sh.ID, cached.ID)
	require.Len(t, cached.Distributions, 2)

	delete(repo.shareouts, sh.ID)
	again, err := svc.GetCycleShareout(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, sh.ID, again.ID)

	repo.shareouts[sh.ID] = Shareout{ID: sh.ID, CycleID: 3, Status: StatusCalculated}
	_, err = svc.CancelShareout(ctx, sh.ID, 99)
	require.NoError(t, err)
	_, err = svc.GetCycleShareout(ctx, 3)
	require.ErrorIs(t, err, ErrShareoutNotFound)
}
