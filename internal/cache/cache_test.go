package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		c := NewLRUCache(10)
		if err := c.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := c.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected value1, got %s", val)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		c := NewLRUCache(10)
		val, err := c.Get(ctx, tenantID, "missing")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for missing key, got %s", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		c := NewLRUCache(10)
		c.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute)
		if err := c.Delete(ctx, tenantID, "key1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := c.Get(ctx, tenantID, "key1")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		c := NewLRUCache(10)
		c.Set(ctx, tenantID, "short", []byte("v"), 10*time.Millisecond)

		time.Sleep(20 * time.Millisecond)

		val, err := c.Get(ctx, tenantID, "short")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Error("expected expired entry to be gone")
		}
	})

	t.Run("EvictsOldest", func(t *testing.T) {
		c := NewLRUCache(3)
		c.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		c.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		c.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Touch "a" so "b" becomes the eviction candidate.
		c.Get(ctx, tenantID, "a")
		c.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := c.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected b evicted")
		}
		if val, _ := c.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected a retained")
		}

		size, capacity := c.Stats()
		if size != 3 || capacity != 3 {
			t.Errorf("expected size=3 capacity=3, got %d/%d", size, capacity)
		}
	})

	t.Run("UpdateExisting", func(t *testing.T) {
		c := NewLRUCache(10)
		c.Set(ctx, tenantID, "key1", []byte("old"), time.Minute)
		c.Set(ctx, tenantID, "key1", []byte("new"), time.Minute)

		val, _ := c.Get(ctx, tenantID, "key1")
		if string(val) != "new" {
			t.Errorf("expected new, got %s", val)
		}

		size, _ := c.Stats()
		if size != 1 {
			t.Errorf("expected single entry after update, got %d", size)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		c := NewLRUCache(10)
		c.Set(ctx, "tenant-001", "shared", []byte("one"), time.Minute)
		c.Set(ctx, "tenant-002", "shared", []byte("two"), time.Minute)

		v1, _ := c.Get(ctx, "tenant-001", "shared")
		v2, _ := c.Get(ctx, "tenant-002", "shared")
		if string(v1) != "one" || string(v2) != "two" {
			t.Errorf("tenants must not share keys: got %s / %s", v1, v2)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		c := NewLRUCache(10)
		if err := c.Set(ctx, "", "key", []byte("v"), time.Minute); err == nil {
			t.Error("expected error for empty tenantID on Set")
		}
		if _, err := c.Get(ctx, "", "key"); err == nil {
			t.Error("expected error for empty tenantID on Get")
		}
		if _, err := c.IncrementCounter(ctx, "", "key", time.Minute); err == nil {
			t.Error("expected error for empty tenantID on IncrementCounter")
		}
		if err := c.DecrementCounter(ctx, "", "key"); err == nil {
			t.Error("expected error for empty tenantID on DecrementCounter")
		}
	})
}

func TestLRUCacheSnapshot(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10)

	snap := &domain.ScoreSnapshot{
		BusinessID: "biz-001",
		Score:      735,
		Grade:      "A",
		Risk:       domain.RiskMedium,
		ComputedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if err := c.SetLatestScore(ctx, "tenant-001", "biz-001", snap, time.Minute); err != nil {
		t.Fatalf("SetLatestScore failed: %v", err)
	}

	got, err := c.GetLatestScore(ctx, "tenant-001", "biz-001")
	if err != nil {
		t.Fatalf("GetLatestScore failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot")
	}
	if got.Score != 735 || got.Grade != "A" || got.Risk != domain.RiskMedium {
		t.Errorf("snapshot mismatch: %+v", got)
	}

	missing, err := c.GetLatestScore(ctx, "tenant-001", "biz-other")
	if err != nil {
		t.Fatalf("GetLatestScore failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil snapshot for unknown business")
	}
}

func TestLRUCacheCounter(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10)

	t.Run("Increments", func(t *testing.T) {
		n, err := c.IncrementCounter(ctx, "tenant-001", "alertwin:prof-001:score_drift", time.Minute)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1, got %d", n)
		}

		n, _ = c.IncrementCounter(ctx, "tenant-001", "alertwin:prof-001:score_drift", time.Minute)
		if n != 2 {
			t.Errorf("expected 2, got %d", n)
		}
	})

	t.Run("WindowResets", func(t *testing.T) {
		n, _ := c.IncrementCounter(ctx, "tenant-001", "win", 10*time.Millisecond)
		if n != 1 {
			t.Errorf("expected 1, got %d", n)
		}

		time.Sleep(20 * time.Millisecond)

		n, _ = c.IncrementCounter(ctx, "tenant-001", "win", 10*time.Millisecond)
		if n != 1 {
			t.Errorf("expected fresh window to restart at 1, got %d", n)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		c.IncrementCounter(ctx, "tenant-001", "iso", time.Minute)
		n, _ := c.IncrementCounter(ctx, "tenant-002", "iso", time.Minute)
		if n != 1 {
			t.Errorf("expected independent counters per tenant, got %d", n)
		}
	})

	t.Run("DecrementReleasesSlot", func(t *testing.T) {
		c.IncrementCounter(ctx, "tenant-001", "slot", time.Minute)
		if err := c.DecrementCounter(ctx, "tenant-001", "slot"); err != nil {
			t.Fatalf("DecrementCounter failed: %v", err)
		}

		n, _ := c.IncrementCounter(ctx, "tenant-001", "slot", time.Minute)
		if n != 1 {
			t.Errorf("expected released slot to re-increment to 1, got %d", n)
		}
	})

	t.Run("DecrementMissingIsNoOp", func(t *testing.T) {
		if err := c.DecrementCounter(ctx, "tenant-001", "never-incremented"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("DecrementFloorsAtZero", func(t *testing.T) {
		c.IncrementCounter(ctx, "tenant-001", "floor", time.Minute)
		c.DecrementCounter(ctx, "tenant-001", "floor")
		c.DecrementCounter(ctx, "tenant-001", "floor")

		n, _ := c.IncrementCounter(ctx, "tenant-001", "floor", time.Minute)
		if n != 1 {
			t.Errorf("expected counter floored at zero, got %d after increment", n)
		}
	})
}

func TestCacheFactory(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		if _, ok := c.(*LRUCache); !ok {
			t.Errorf("expected *LRUCache, got %T", c)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported cache type")
		}
	})
}
