package cache

import (
	"fmt"
	"testing"
)

func key(content string) Key {
	return Key{
		Messages:    []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: content}},
		Model:       "llama-3.1-8b-instant",
		MaxTokens:   400,
		Temperature: 0.9,
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := key("hola").Fingerprint()
	b := key("hola").Fingerprint()
	if a != b {
		t.Fatalf("fingerprints differ for identical keys")
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64", len(a))
	}

	variants := []Key{key("adios"), key("hola")}
	variants[1].Temperature = 0.5
	for i, k := range variants {
		if k.Fingerprint() == a {
			t.Fatalf("variant %d collides with base key", i)
		}
	}
}

func TestGetPutAndStats(t *testing.T) {
	c := New(10)
	fp := key("hola").Fingerprint()

	if _, ok := c.Get(fp); ok {
		t.Fatalf("unexpected hit on empty cache")
	}
	c.Put(Entry{Fingerprint: fp, Content: "respuesta", TokensUsed: 12})
	e, ok := c.Get(fp)
	if !ok {
		t.Fatalf("expected hit after Put")
	}
	if e.Content != "respuesta" || e.TokensUsed != 12 || e.CreatedAt.IsZero() {
		t.Fatalf("entry = %+v", e)
	}

	c.Put(Entry{Fingerprint: fp, Content: "other"})
	if e, _ := c.Get(fp); e.Content != "respuesta" {
		t.Fatalf("entries must be immutable once inserted, got %q", e.Content)
	}

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Size != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEvictsOldestInsertion(t *testing.T) {
	c := New(3)
	for i := 0; i < 5; i++ {
		c.Put(Entry{Fingerprint: fmt.Sprintf("fp%d", i)})
	}
	if c.Stats().Size != 3 {
		t.Fatalf("size = %d, want 3", c.Stats().Size)
	}
	for i, want := range []bool{false, false, true, true, true} {
		if _, ok := c.Get(fmt.Sprintf("fp%d", i)); ok != want {
			t.Fatalf("Get(fp%d) = %v, want %v", i, ok, want)
		}
	}

	c.Clear()
	if s := c.Stats(); s.Size != 0 || s.Hits != 0 {
		t.Fatalf("stats after Clear = %+v", s)
	}
}
