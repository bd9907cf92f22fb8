package clipcache

import (
	"bytes"
	"testing"
)

func TestCachePutGet(t *testing.T) {
	c := New(1024)
	k := Key{PhraseID: "greeting.O-1", Language: "hi", Voice: "default"}
	c.Put(k, []byte("audio-bytes"))

	got, ok := c.Get(k)
	if !ok {
		t.Fatalf("expected hit")
	}
	if !bytes.Equal(got, []byte("audio-bytes")) {
		t.Fatalf("unexpected payload: %q", got)
	}
	if _, ok := c.Get(Key{PhraseID: "greeting.O-1", Language: "en", Voice: "default"}); ok {
		t.Fatalf("different language must be a distinct key")
	}
}

func TestCacheEvictsLeastRecent(t *testing.T) {
	c := New(30)
	evictions := 0
	c.SetEvictHook(func() { evictions++ })

	a := Key{PhraseID: "a", Language: "hi", Voice: "v"}
	b := Key{PhraseID: "b", Language: "hi", Voice: "v"}
	d := Key{PhraseID: "d", Language: "hi", Voice: "v"}

	c.Put(a, make([]byte, 12))
	c.Put(b, make([]byte, 12))
	// Touch a so b becomes least recent.
	if _, ok := c.Get(a); !ok {
		t.Fatalf("a should be cached")
	}
	c.Put(d, make([]byte, 12))

	if _, ok := c.Get(b); ok {
		t.Fatalf("b should have been evicted")
	}
	if _, ok := c.Get(a); !ok {
		t.Fatalf("a should survive")
	}
	if _, ok := c.Get(d); !ok {
		t.Fatalf("d should be cached")
	}
	if evictions != 1 {
		t.Fatalf("evictions = %d, want 1", evictions)
	}
	if c.Bytes() > 30 {
		t.Fatalf("cache over budget: %d bytes", c.Bytes())
	}
}

func TestCacheRejectsOversizedClip(t *testing.T) {
	c := New(10)
	k := Key{PhraseID: "big", Language: "hi", Voice: "v"}
	c.Put(k, make([]byte, 11))
	if _, ok := c.Get(k); ok {
		t.Fatalf("clip larger than budget must not be cached")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestCacheReplaceAdjustsBudget(t *testing.T) {
	c := New(100)
	k := Key{PhraseID: "p", Language: "hi", Voice: "v"}
	c.Put(k, make([]byte, 40))
	c.Put(k, make([]byte, 10))
	if c.Bytes() != 10 {
		t.Fatalf("Bytes = %d, want 10", c.Bytes())
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}
