package probe

import "testing"

func TestCanonicalCacheKey_OrderIndependent(t *testing.T) {
	h1 := map[string]string{"Accept": "text/html", "X-Test": "1"}
	h2 := map[string]string{"X-Test": "1", "Accept": "text/html"}

	k1 := CanonicalCacheKey("https://example.com", TypeWeb, "GET", h1)
	k2 := CanonicalCacheKey("https://example.com", TypeWeb, "GET", h2)

	if k1 != k2 {
		t.Fatalf("cache key depends on header map iteration order: %s != %s", k1, k2)
	}
}

func TestCanonicalCacheKey_DistinguishesTarget(t *testing.T) {
	k1 := CanonicalCacheKey("https://example.com/a", TypeWeb, "GET", nil)
	k2 := CanonicalCacheKey("https://example.com/b", TypeWeb, "GET", nil)

	if k1 == k2 {
		t.Fatal("distinct targets produced the same cache key")
	}
}

func TestCanonicalCacheKey_DistinguishesType(t *testing.T) {
	k1 := CanonicalCacheKey("example.com:443", TypeTCP, "", nil)
	k2 := CanonicalCacheKey("example.com:443", TypePing, "", nil)

	if k1 == k2 {
		t.Fatal("distinct types produced the same cache key")
	}
}
