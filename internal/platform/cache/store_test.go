package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestKeyIsDeterministicAndEscaped(t *testing.T) {
	a := Key("t", "acme", "purchase_orders", "list", "PENDING", "", "po:1", "1")
	b := Key("t", "acme", "purchase_orders", "list", "PENDING", "", "po:1", "1")
	require.Equal(t, a, b)
	require.NotEqual(t, a, Key("t", "acme", "purchase_orders", "list", "PENDING", "po", "1", "1"))
	require.Contains(t, a, "po%3A1")
	require.Equal(t, "t:acme:", Prefix("t", "acme"))
}

func TestRedisStoreGetSet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Set(ctx, "k", []byte(`{"a":1}`), time.Minute))
	payload, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"a":1}`, string(payload))

	mr.FastForward(2 * time.Minute)
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestInvalidatePrefixRemovesOnlyMatchingKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"t:acme:purchase_orders:list:a", "t:acme:purchase_orders:detail:1", "t:acme:sales_orders:list:a", "t:other:purchase_orders:list:a"} {
		require.NoError(t, store.Set(ctx, k, []byte("1"), 0))
	}

	require.NoError(t, store.InvalidatePrefix(ctx, "t:acme:purchase_orders:"))
	require.False(t, mr.Exists("t:acme:purchase_orders:list:a"))
	require.False(t, mr.Exists("t:acme:purchase_orders:detail:1"))
	require.True(t, mr.Exists("t:acme:sales_orders:list:a"))
	require.True(t, mr.Exists("t:other:purchase_orders:list:a"))

	// a second invalidation observes the same state
	require.NoError(t, store.InvalidatePrefix(ctx, "t:acme:purchase_orders:"))
	require.True(t, mr.Exists("t:acme:sales_orders:list:a"))
	require.ElementsMatch(t, []string{
		"cachegen:t:acme:purchase_orders:",
		"t:acme:sales_orders:list:a",
		"t:other:purchase_orders:list:a",
	}, mr.Keys())

	gens, err := store.Generations(ctx, []string{"t:acme:purchase_orders:", "t:acme:sales_orders:"})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 0}, gens)
}

func TestScopes(t *testing.T) {
	require.Equal(t, []string{"t:", "t:acme:", "t:acme:purchase_orders:", "t:acme:purchase_orders:detail:"},
		Scopes(Key("t", "acme", "purchase_orders", "detail", "po:1")))
	require.Empty(t, Scopes("plain"))
}

func TestSetIfCurrentRejectsStaleGeneration(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	scopes := Scopes("t:acme:orders:1")

	gens, err := store.Generations(ctx, scopes)
	require.NoError(t, err)
	stored, err := store.SetIfCurrent(ctx, "t:acme:orders:1", []byte("1"), time.Minute, scopes, gens)
	require.NoError(t, err)
	require.True(t, stored)
	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists("t:acme:orders:1"))

	require.NoError(t, store.InvalidatePrefix(ctx, "t:acme:"))
	stored, err = store.SetIfCurrent(ctx, "t:acme:orders:1", []byte("1"), time.Minute, scopes, gens)
	require.NoError(t, err)
	require.False(t, stored)
	require.False(t, mr.Exists("t:acme:orders:1"))
}

func TestInvalidatePrefixRejectsEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	require.Error(t, store.InvalidatePrefix(context.Background(), ""))
}

type payload struct {
	Name string `json:"name"`
}

func TestFetchPopulatesThenHits(t *testing.T) {
	store, mr := newTestStore(t)
	rt := NewReadThrough(store, time.Minute, nil, nil)
	ctx := context.Background()
	var calls atomic.Int32
	loader := func(context.Context) (payload, error) {
		calls.Add(1)
		return payload{Name: "fresh"}, nil
	}

	got, err := Fetch(ctx, rt, "orders", "t:acme:orders:1", loader)
	require.NoError(t, err)
	require.Equal(t, "fresh", got.Name)
	rt.Wait()
	require.True(t, mr.Exists("t:acme:orders:1"))

	got, err = Fetch(ctx, rt, "orders", "t:acme:orders:1", loader)
	require.NoError(t, err)
	require.Equal(t, "fresh", got.Name)
	require.EqualValues(t, 1, calls.Load())

	require.NoError(t, rt.Invalidate(ctx, "t:acme:orders:"))
	_, err = Fetch(ctx, rt, "orders", "t:acme:orders:1", loader)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
	rt.Wait()
}

func TestFetchSharedLoadSurvivesFirstCallerCancel(t *testing.T) {
	store, _ := newTestStore(t)
	rt := NewReadThrough(store, time.Minute, nil, nil)
	key := Key("t", "acme", "orders", "1")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	loader := func(ctx context.Context) (payload, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return payload{Name: "loaded"}, nil
		case <-ctx.Done():
			return payload{}, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := Fetch(ctxA, rt, "orders", key, loader)
		errA <- err
	}()
	<-started

	type result struct {
		value payload
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		v, err := Fetch(context.Background(), rt, "orders", key, loader)
		resB <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	got := <-resB
	require.NoError(t, got.err)
	require.Equal(t, "loaded", got.value.Name)
	rt.Wait()
}

func TestFetchDoesNotCacheLoadOverlappingInvalidation(t *testing.T) {
	store, mr := newTestStore(t)
	rt := NewReadThrough(store, time.Minute, nil, nil)
	ctx := context.Background()
	key := Key("t", "acme", "orders", "1")

	inLoader := make(chan struct{})
	proceed := make(chan struct{})
	stale := make(chan payload, 1)
	go func() {
		v, _ := Fetch(ctx, rt, "orders", key, func(context.Context) (payload, error) {
			close(inLoader)
			<-proceed
			return payload{Name: "old"}, nil
		})
		stale <- v
	}()
	<-inLoader

	require.NoError(t, rt.Invalidate(ctx, "t:acme:orders:"))

	// a read issued after the invalidation starts its own load
	fresh := make(chan payload, 1)
	go func() {
		v, _ := Fetch(ctx, rt, "orders", key, func(context.Context) (payload, error) {
			return payload{Name: "new"}, nil
		})
		fresh <- v
	}()
	select {
	case v := <-fresh:
		require.Equal(t, "new", v.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("read after invalidation joined the earlier load")
	}
	rt.Wait()

	close(proceed)
	require.Equal(t, "old", (<-stale).Name)
	rt.Wait()

	got, err := Fetch(ctx, rt, "orders", key, func(context.Context) (payload, error) {
		return payload{Name: "source"}, nil
	})
	require.NoError(t, err)
	require.NotEqual(t, "old", got.Name)
	require.True(t, mr.Exists(key))
	rt.Wait()
}

func TestFetchDegradesWhenCacheDown(t *testing.T) {
	store, mr := newTestStore(t)
	rt := NewReadThrough(store, time.Minute, nil, nil)
	mr.Close()

	got, err := Fetch(context.Background(), rt, "orders", "k", func(context.Context) (payload, error) {
		return payload{Name: "source"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "source", got.Name)
	rt.Wait()

	require.Error(t, rt.Invalidate(context.Background(), "k"))
}

func TestFetchPropagatesLoaderError(t *testing.T) {
	store, mr := newTestStore(t)
	rt := NewReadThrough(store, time.Minute, nil, nil)
	boom := errors.New("boom")

	_, err := Fetch(context.Background(), rt, "orders", "k", func(context.Context) (payload, error) {
		return payload{}, boom
	})
	require.ErrorIs(t, err, boom)
	rt.Wait()
	require.False(t, mr.Exists("k"))
}

func TestFetchWithoutStoreCallsLoader(t *testing.T) {
	got, err := Fetch(context.Background(), NewReadThrough(nil, 0, nil, nil), "orders", "k", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, got)
}
