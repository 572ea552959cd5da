package sidecartest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdav-core/internal/sidecar"
	"github.com/webdav-core/internal/types"
)

// StoreFactory 每个用例创建新的Store，文件类后端需在根下创建集合 "/dir"
type StoreFactory func(t *testing.T) sidecar.Store

// RunConformanceSuite 对factory运行共用的行为测试
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()

	t.Run("EmptyRecord", func(t *testing.T) { testEmptyRecord(t, factory(t)) })
	t.Run("WriteThenRead", func(t *testing.T) { testWriteThenRead(t, factory(t)) })
	t.Run("EmptyRecordIsDeleted", func(t *testing.T) { testEmptyRecordIsDeleted(t, factory(t)) })
	t.Run("ErrorAborts", func(t *testing.T) { testErrorAborts(t, factory(t)) })
	t.Run("ReadOnlyDiscardsChanges", func(t *testing.T) { testReadOnlyDiscardsChanges(t, factory(t)) })
	t.Run("DeleteDescendants", func(t *testing.T) { testDeleteDescendants(t, factory(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, factory(t)) })
}

func testEmptyRecord(t *testing.T, store sidecar.Store) {
	ctx := context.Background()

	var seen *sidecar.Record
	err := store.Transaction(ctx, "/missing.txt", true, func(rec *sidecar.Record) error {
		seen = rec
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.True(t, seen.Empty())

	exists, err := store.Exists(ctx, "/missing.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testWriteThenRead(t *testing.T, store sidecar.Store) {
	ctx := context.Background()

	err := store.Transaction(ctx, "/doc.txt", false, func(rec *sidecar.Record) error {
		rec.LockCreator = "alice"
		rec.LockDepth = types.DepthInfinity
		rec.LockDiscovery = append(rec.LockDiscovery, types.ActiveLock{
			Token: "urn:uuid:1", Scope: types.LockScopeExclusive, Type: types.LockTypeWrite,
			Depth: types.DepthInfinity, Timeout: "Second-60",
		})
		rec.Properties = map[string][]types.Fragment{
			"Authors": {{Namespace: "http://ns.example.com/boxschema/", Name: "Authors", XML: "<Authors/>"}},
		}
		return nil
	})
	require.NoError(t, err)

	exists, err := store.Exists(ctx, "/doc.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	err = store.Transaction(ctx, "doc.txt", true, func(rec *sidecar.Record) error {
		assert.Equal(t, "alice", rec.LockCreator)
		assert.Equal(t, []string{"urn:uuid:1"}, rec.LockTokens())
		require.Len(t, rec.Properties["Authors"], 1)
		assert.Equal(t, "<Authors/>", rec.Properties["Authors"][0].XML)
		return nil
	})
	require.NoError(t, err)
}

func testEmptyRecordIsDeleted(t *testing.T, store sidecar.Store) {
	ctx := context.Background()

	require.NoError(t, store.Transaction(ctx, "/doc.txt", false, func(rec *sidecar.Record) error {
		rec.LockDiscovery = []types.ActiveLock{{Token: "urn:uuid:1"}}
		return nil
	}))
	require.NoError(t, store.Transaction(ctx, "/doc.txt", false, func(rec *sidecar.Record) error {
		rec.LockDiscovery = nil
		return nil
	}))

	exists, err := store.Exists(ctx, "/doc.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testErrorAborts(t *testing.T, store sidecar.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Transaction(ctx, "/doc.txt", false, func(rec *sidecar.Record) error {
		rec.LockCreator = "alice"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	exists, err := store.Exists(ctx, "/doc.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testReadOnlyDiscardsChanges(t *testing.T, store sidecar.Store) {
	ctx := context.Background()

	require.NoError(t, store.Transaction(ctx, "/doc.txt", true, func(rec *sidecar.Record) error {
		rec.LockCreator = "alice"
		return nil
	}))

	exists, err := store.Exists(ctx, "/doc.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testDeleteDescendants(t *testing.T, store sidecar.Store) {
	ctx := context.Background()
	keys := []string{"/dir", "/dir/child.txt", "/dirx.txt"}
	for _, key := range keys {
		require.NoError(t, store.Transaction(ctx, key, false, func(rec *sidecar.Record) error {
			rec.LockCreator = key
			return nil
		}))
	}

	require.NoError(t, store.Delete(ctx, "/dir"))

	for key, want := range map[string]bool{"/dir": false, "/dir/child.txt": false, "/dirx.txt": true} {
		exists, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, exists, key)
	}
}

func testConcurrentUpdates(t *testing.T, store sidecar.Store) {
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.Transaction(ctx, "/doc.txt", false, func(rec *sidecar.Record) error {
				rec.LockDiscovery = append(rec.LockDiscovery, types.ActiveLock{
					Token: fmt.Sprintf("urn:uuid:%d", i),
					Scope: types.LockScopeShared,
				})
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, store.Transaction(ctx, "/doc.txt", true, func(rec *sidecar.Record) error {
		assert.Len(t, rec.LockDiscovery, writers)
		return nil
	}))
}
