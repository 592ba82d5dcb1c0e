package cache_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/berrygraph/federation-engine/cache"
)

func newTestCache(t *testing.T, cascades map[string][]string) *cache.EntityCache {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := cache.New(cache.Config{
		URL:      fmt.Sprintf("redis://%s", mr.Addr()),
		Cascades: cascades,
	})
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEntityCache_SetGet(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	key := map[string]interface{}{"id": "1"}
	doc := map[string]interface{}{"__typename": "User", "id": "1", "name": "alice"}

	if _, ok, err := c.Get(ctx, "User", key); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "User", key, doc); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := c.Get(ctx, "User", key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(doc, got); diff != "" {
		t.Errorf("cached document mismatch (-want +got):\n%s", diff)
	}
}

func TestEntityCache_KeyOrderIndependent(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	doc := map[string]interface{}{"sku": "A", "orderId": "9"}

	if err := c.Set(ctx, "OrderItem", map[string]interface{}{"orderId": "9", "sku": "A"}, doc); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "OrderItem", map[string]interface{}{"sku": "A", "orderId": "9"}); !ok {
		t.Error("composite key lookup must not depend on field order")
	}
}

func TestEntityCache_InvalidateCascades(t *testing.T) {
	c := newTestCache(t, map[string][]string{"User": {"Order"}})
	ctx := context.Background()

	userKey := map[string]interface{}{"id": "1"}
	if err := c.Set(ctx, "User", userKey, map[string]interface{}{"id": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "Order", map[string]interface{}{"id": "9"}, map[string]interface{}{"id": "9"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "Product", map[string]interface{}{"id": "p"}, map[string]interface{}{"id": "p"}); err != nil {
		t.Fatal(err)
	}

	if err := c.Invalidate(ctx, "User", userKey); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if _, ok, _ := c.Get(ctx, "User", userKey); ok {
		t.Error("invalidated entry must be gone")
	}
	if _, ok, _ := c.Get(ctx, "Order", map[string]interface{}{"id": "9"}); ok {
		t.Error("cascade dependent entries must be gone")
	}
	if _, ok, _ := c.Get(ctx, "Product", map[string]interface{}{"id": "p"}); !ok {
		t.Error("unrelated type must survive the cascade")
	}
}

type countingDB struct {
	calls int
	rows  map[string]map[string]interface{}
}

func (d *countingDB) ResolveDB(_ context.Context, _ string, keys []map[string]interface{}) ([]map[string]interface{}, error) {
	d.calls++
	out := make([]map[string]interface{}, len(keys))
	for i, key := range keys {
		out[i] = d.rows[fmt.Sprintf("%v", key["id"])]
	}
	return out, nil
}

func TestCachedDBExecutor_ServesHitsAndFetchesMisses(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	db := &countingDB{rows: map[string]map[string]interface{}{
		"1": {"__typename": "User", "id": "1"},
		"2": {"__typename": "User", "id": "2"},
	}}
	exec := cache.WrapDB(db, c)

	keys := []map[string]interface{}{{"id": "1"}, {"id": "2"}}
	first, err := exec.ResolveDB(ctx, "User", keys)
	if err != nil {
		t.Fatalf("ResolveDB failed: %v", err)
	}
	if db.calls != 1 {
		t.Fatalf("expected 1 db call, got %d", db.calls)
	}

	second, err := exec.ResolveDB(ctx, "User", keys)
	if err != nil {
		t.Fatalf("ResolveDB failed: %v", err)
	}
	if db.calls != 1 {
		t.Errorf("second lookup must be served from cache, got %d db calls", db.calls)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached result diverged (-first +second):\n%s", diff)
	}
}

func TestCachedDBExecutor_PartialHit(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	db := &countingDB{rows: map[string]map[string]interface{}{
		"1": {"id": "1"},
		"2": {"id": "2"},
	}}
	exec := cache.WrapDB(db, c)

	if _, err := exec.ResolveDB(ctx, "User", []map[string]interface{}{{"id": "1"}}); err != nil {
		t.Fatal(err)
	}

	out, err := exec.ResolveDB(ctx, "User", []map[string]interface{}{{"id": "1"}, {"id": "2"}})
	if err != nil {
		t.Fatalf("ResolveDB failed: %v", err)
	}
	if db.calls != 2 {
		t.Errorf("expected 2 db calls, got %d", db.calls)
	}
	if out[0]["id"] != "1" || out[1]["id"] != "2" {
		t.Errorf("positional scatter broken: %v", out)
	}
}

func TestCachedDBExecutor_MissingRowNotCached(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	db := &countingDB{rows: map[string]map[string]interface{}{}}
	exec := cache.WrapDB(db, c)

	out, err := exec.ResolveDB(ctx, "User", []map[string]interface{}{{"id": "ghost"}})
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != nil {
		t.Errorf("expected nil for unknown key, got %v", out[0])
	}

	// A later lookup must hit the database again, not a cached nil.
	if _, err := exec.ResolveDB(ctx, "User", []map[string]interface{}{{"id": "ghost"}}); err != nil {
		t.Fatal(err)
	}
	if db.calls != 2 {
		t.Errorf("nil rows must not be cached, got %d db calls", db.calls)
	}
}
