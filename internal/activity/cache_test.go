package activity

import "testing"

func TestCachePutGet(t *testing.T) {
	c := NewCache(nil)
	records := []Record{{Sample: 7, Signature: 1, Value: 0.1}, {Sample: 7, Signature: 2, Value: 0.2}}

	if !c.Put(3, 7, records) {
		t.Fatal("Put of non-empty records should store")
	}
	records[0].Value = 99 // caller mutation must not leak into the cache

	got, ok := c.Get(3, 7)
	if !ok {
		t.Fatal("expected entry")
	}
	if got[0].Value != 0.1 {
		t.Fatalf("cache entry was mutated through caller slice: %+v", got)
	}
	if _, ok := c.Get(7, 3); ok {
		t.Fatal("keys must not collide when model and sample are swapped")
	}
}

func TestCacheIgnoresEmpty(t *testing.T) {
	c := NewCache(nil)
	if c.Put(1, 1, nil) {
		t.Fatal("Put(nil) should not store")
	}
	if _, ok := c.Get(1, 1); ok {
		t.Fatal("empty records must not create an entry")
	}
}

func TestCacheLastWriteWinsAndReset(t *testing.T) {
	c := NewCache(nil)
	c.Put(1, 1, []Record{{Sample: 1, Signature: 1, Value: 1}})
	c.Put(1, 1, []Record{{Sample: 1, Signature: 1, Value: 2}})

	got, _ := c.Get(1, 1)
	if got[0].Value != 2 {
		t.Fatalf("expected last write to win, got %v", got[0].Value)
	}

	gen := c.generation()
	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after Reset, got %d", c.Len())
	}
	if c.generation() == gen {
		t.Fatal("Reset must advance the generation")
	}
}

func TestKeyString(t *testing.T) {
	k := Key{Model: 12, Sample: 3}
	if k.String() != "mlmodel=12 sample=3" {
		t.Fatalf("unexpected key string %q", k.String())
	}
	if (Key{Model: 1, Sample: 23}) == (Key{Model: 12, Sample: 3}) {
		t.Fatal("structurally different keys compared equal")
	}
}
