package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dexidp/openauth/kv"
)

// storageHealthCheck returns a go-sundheit check function that exercises a
// real write/read/delete round trip against store, the same probing shape
// dexidp/dex's storage.NewCustomHealthCheckFunc uses against its own
// backend, generalized to the kv.Store contract.
func storageHealthCheck(store kv.Store) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		key := kv.Key{"health", "probe"}
		if err := store.Set(ctx, key, []byte("ok"), time.Minute); err != nil {
			return nil, fmt.Errorf("write probe: %w", err)
		}
		if _, err := store.Get(ctx, key); err != nil {
			return nil, fmt.Errorf("read probe: %w", err)
		}
		if err := store.Remove(ctx, key); err != nil {
			return nil, fmt.Errorf("remove probe: %w", err)
		}
		return nil, nil
	}
}
