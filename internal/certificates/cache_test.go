package certificates_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/EternisAI/silo-gate/internal/certificates/certificatestest"
	"github.com/EternisAI/silo-gate/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLookup struct {
	source certificates.FingerprintLookup
	calls  atomic.Int32
	delay  time.Duration
}

func (c *countingLookup) FindByFingerprint(ctx context.Context, fp string) (*certificates.Record, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.source.FindByFingerprint(ctx, fp)
}

func newCachedRegistry(t *testing.T, policy certificates.InvalidationPolicy) (*certificates.Registry, *certificates.FingerprintCache, *countingLookup) {
	t.Helper()
	registry := certificates.NewRegistry(memory.NewStore())
	lookup := &countingLookup{source: registry}
	cache := certificates.NewFingerprintCache(lookup, 100, time.Hour, policy)
	cache.Attach(registry)
	return registry, cache, lookup
}

func TestCacheServesRepeatedLookups(t *testing.T) {
	ctx := context.Background()
	registry, cache, lookup := newCachedRegistry(t, certificates.InvalidateAll)
	require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-1", "FP1", time.Now())))

	for i := 0; i < 3; i++ {
		rec, err := cache.FindByFingerprint(ctx, "FP1")
		require.NoError(t, err)
		assert.Equal(t, "device-1", rec.MachineID)
	}
	assert.Equal(t, int32(1), lookup.calls.Load())
}

func TestCacheDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	registry, cache, lookup := newCachedRegistry(t, certificates.InvalidateAll)

	_, err := cache.FindByFingerprint(ctx, "FP1")
	assert.ErrorIs(t, err, certificates.ErrNotFound)

	require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-1", "FP1", time.Now())))

	rec, err := cache.FindByFingerprint(ctx, "FP1")
	require.NoError(t, err)
	assert.Equal(t, "FP1", rec.FingerprintSHA256)
	assert.Equal(t, int32(2), lookup.calls.Load())
}

func TestCacheSeesRevocation(t *testing.T) {
	for _, policy := range []certificates.InvalidationPolicy{certificates.InvalidateAll, certificates.InvalidateKeys} {
		t.Run(string(policy), func(t *testing.T) {
			ctx := context.Background()
			registry, cache, _ := newCachedRegistry(t, policy)
			require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-1", "FP1", time.Now())))

			rec, err := cache.FindByFingerprint(ctx, "FP1")
			require.NoError(t, err)
			assert.False(t, rec.Revoked())

			count, err := registry.RevokeByDeviceID(ctx, "device-1", "")
			require.NoError(t, err)
			require.Equal(t, 1, count)

			rec, err = cache.FindByFingerprint(ctx, "FP1")
			require.NoError(t, err)
			assert.True(t, rec.Revoked())
		})
	}
}

func TestCacheKeyPolicyKeepsUnrelatedEntries(t *testing.T) {
	ctx := context.Background()
	registry, cache, lookup := newCachedRegistry(t, certificates.InvalidateKeys)
	require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-1", "FP1", time.Now())))
	require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-2", "FP2", time.Now())))

	_, err := cache.FindByFingerprint(ctx, "FP1")
	require.NoError(t, err)
	_, err = cache.FindByFingerprint(ctx, "FP2")
	require.NoError(t, err)
	require.Equal(t, int32(2), lookup.calls.Load())

	_, err = registry.RevokeByFingerprint(ctx, "FP2", "")
	require.NoError(t, err)

	_, err = cache.FindByFingerprint(ctx, "FP1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), lookup.calls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestCacheSupersessionInvalidatesOldFingerprint(t *testing.T) {
	ctx := context.Background()
	registry, cache, _ := newCachedRegistry(t, certificates.InvalidateKeys)
	require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-1", "FP1", time.Now())))

	_, err := cache.FindByFingerprint(ctx, "FP1")
	require.NoError(t, err)

	require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-1", "FP2", time.Now())))

	rec, err := cache.FindByFingerprint(ctx, "FP1")
	require.NoError(t, err)
	assert.True(t, rec.Revoked())
	assert.Equal(t, certificates.SupersededReason, rec.RevokeReason)
}

func TestCacheCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	registry := certificates.NewRegistry(memory.NewStore())
	require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-1", "FP1", time.Now())))

	lookup := &countingLookup{source: registry, delay: 50 * time.Millisecond}
	cache := certificates.NewFingerprintCache(lookup, 0, 0, "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.FindByFingerprint(ctx, "FP1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), lookup.calls.Load())
}

// gatedLookup blocks every load until release is closed and honours the ctx
// it is given, like a database driver would.
type gatedLookup struct {
	source  certificates.FingerprintLookup
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedLookup) FindByFingerprint(ctx context.Context, fp string) (*certificates.Record, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.release:
	}
	return g.source.FindByFingerprint(ctx, fp)
}

func TestCacheSharedLoadSurvivesCallerCancellation(t *testing.T) {
	registry := certificates.NewRegistry(memory.NewStore())
	require.NoError(t, registry.Insert(context.Background(), certificatestest.NewRecord("device-1", "FP1", time.Now())))

	lookup := &gatedLookup{source: registry, started: make(chan struct{}), release: make(chan struct{})}
	cache := certificates.NewFingerprintCache(lookup, 0, 0, "")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.FindByFingerprint(firstCtx, "FP1")
		firstErr <- err
	}()
	<-lookup.started

	type result struct {
		rec *certificates.Record
		err error
	}
	second := make(chan result, 1)
	go func() {
		rec, err := cache.FindByFingerprint(context.Background(), "FP1")
		second <- result{rec, err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	// Give the second caller time to join the in-flight load.
	time.Sleep(50 * time.Millisecond)
	close(lookup.release)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "device-1", res.rec.MachineID)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), lookup.calls.Load())
}

// revokingLookup revokes the record right after reading it, so the load
// returns a record that is already stale.
type revokingLookup struct {
	registry *certificates.Registry
}

func (r *revokingLookup) FindByFingerprint(ctx context.Context, fp string) (*certificates.Record, error) {
	rec, err := r.registry.FindByFingerprint(ctx, fp)
	if err != nil {
		return nil, err
	}
	if _, err := r.registry.RevokeByFingerprint(ctx, fp, "compromised"); err != nil {
		return nil, err
	}
	return rec, nil
}

func TestCacheDropsLoadRacingWithRevocation(t *testing.T) {
	ctx := context.Background()
	registry := certificates.NewRegistry(memory.NewStore())
	require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-1", "FP1", time.Now())))

	cache := certificates.NewFingerprintCache(&revokingLookup{registry: registry}, 0, 0, certificates.InvalidateKeys)
	cache.Attach(registry)

	rec, err := cache.FindByFingerprint(ctx, "FP1")
	require.NoError(t, err)
	assert.False(t, rec.Revoked())
	assert.Equal(t, 0, cache.Len())
}

func TestCacheNeverKeepsRevokedRecordActive(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []certificates.InvalidationPolicy{certificates.InvalidateAll, certificates.InvalidateKeys} {
		t.Run(string(policy), func(t *testing.T) {
			registry, cache, _ := newCachedRegistry(t, policy)

			for i := 0; i < 200; i++ {
				fp := fmt.Sprintf("FP%03d", i)
				require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord(fmt.Sprintf("device-%d", i), fp, time.Now())))

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, err := cache.FindByFingerprint(ctx, fp)
					assert.NoError(t, err)
				}()
				go func() {
					defer wg.Done()
					_, err := registry.RevokeByFingerprint(ctx, fp, "")
					assert.NoError(t, err)
				}()
				wg.Wait()

				rec, err := cache.FindByFingerprint(ctx, fp)
				require.NoError(t, err)
				require.True(t, rec.Revoked(), "stale record cached for %s", fp)
			}
		})
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	registry, cache, _ := newCachedRegistry(t, certificates.InvalidateAll)
	require.NoError(t, registry.Insert(ctx, certificatestest.NewRecord("device-1", "FP1", time.Now())))

	rec, err := cache.FindByFingerprint(ctx, "FP1")
	require.NoError(t, err)
	rec.MachineID = "tampered"

	rec, err = cache.FindByFingerprint(ctx, "FP1")
	require.NoError(t, err)
	assert.Equal(t, "device-1", rec.MachineID)
}

func TestParseInvalidationPolicy(t *testing.T) {
	p, err := certificates.ParseInvalidationPolicy("")
	require.NoError(t, err)
	assert.Equal(t, certificates.InvalidateAll, p)

	p, err = certificates.ParseInvalidationPolicy("key")
	require.NoError(t, err)
	assert.Equal(t, certificates.InvalidateKeys, p)

	_, err = certificates.ParseInvalidationPolicy("sometimes")
	assert.Error(t, err)
}
