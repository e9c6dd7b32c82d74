// Package cachetest provides reusable contract tests for sitecache.Store
// implementations.
//
// Example pattern:
//
//	func TestRedisStoreContract(t *testing.T) {
//		client := newTestRedisClient(t)
//		store := sitecache.NewRedisStore(ctx, client, sitecache.WithPrefix("test"))
//		if err := sitecache.StoreErr(store); err != nil {
//			t.Fatalf("new redis store: %v", err)
//		}
//		cachetest.RunStoreContract(t, store, cachetest.Options{CaseName: t.Name()})
//	}
//
// Example factory/cleanup wrapper:
//
//	func runContractWithFactory(t *testing.T, mk func(t *testing.T) (sitecache.Store, func())) {
//		t.Helper()
//		store, cleanup := mk(t)
//		t.Cleanup(cleanup)
//		cachetest.RunStoreContract(t, store, cachetest.Options{CaseName: t.Name()})
//	}
package cachetest
