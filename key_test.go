package imgload_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/regorov/imgload"
)

func newKeyCoord(t *testing.T, opts ...imgload.Option) *imgload.Coordinator {
	t.Helper()
	coord, err := imgload.New(zerolog.Nop(), newFakeTransport(), opts...)
	if err != nil {
		t.Fatalf("coordinator create failed: %s", err.Error())
	}
	return coord
}

func TestKeyFetchVersusCacheIdentity(t *testing.T) {

	coord := newKeyCoord(t, imgload.WithProcessor(&fakeProcessor{}))

	small := imgload.Request{URL: "http://img.test/a.png", TargetWidth: 32, TargetHeight: 32}
	large := imgload.Request{URL: "http://img.test/a.png", TargetWidth: 128, TargetHeight: 128}

	// different target boxes share one download...
	if !coord.FetchKey(small).Equal(coord.FetchKey(large)) {
		t.Error("fetch keys differ for the same url")
	}
	// ...but occupy distinct cache entries.
	if coord.CacheKey(small).Equal(coord.CacheKey(large)) {
		t.Error("cache keys equal across target boxes")
	}
	if !coord.CacheKey(small).Equal(coord.CacheKey(small)) {
		t.Error("cache key not equal to itself")
	}
}

func TestKeyWithoutProcessorIgnoresTargets(t *testing.T) {

	coord := newKeyCoord(t)

	small := imgload.Request{URL: "http://img.test/a.png", TargetWidth: 32}
	large := imgload.Request{URL: "http://img.test/a.png", TargetWidth: 128}

	if !coord.CacheKey(small).Equal(coord.CacheKey(large)) {
		t.Error("cache keys differ although no processor is configured")
	}
}

func TestKeyKindsAndOwnersNeverMix(t *testing.T) {

	coordA := newKeyCoord(t)
	coordB := newKeyCoord(t)

	req := imgload.Request{URL: "http://img.test/a.png"}

	if coordA.FetchKey(req).Equal(coordA.CacheKey(req)) {
		t.Error("fetch key equals cache key")
	}
	if coordA.FetchKey(req).Equal(coordB.FetchKey(req)) {
		t.Error("keys equal across coordinators")
	}
	if coordA.FetchKey(req).Equal(nil) {
		t.Error("key equals nil")
	}
}

func TestKeyHashStableForEquivalentRequests(t *testing.T) {

	coord := newKeyCoord(t, imgload.WithProcessor(&fakeProcessor{}))

	// canonicalization strips the fragment, so both land on one hash
	// bucket; the hash must never be finer than equality.
	a := coord.FetchKey(imgload.Request{URL: "http://img.test/a.png"})
	b := coord.FetchKey(imgload.Request{URL: "http://img.test/a.png#frag"})

	if !a.Equal(b) {
		t.Fatal("canonically equal requests produced unequal keys")
	}
	if a.Hash() != b.Hash() {
		t.Error("equal keys hash differently")
	}
}

func TestKeyDigest(t *testing.T) {

	withProc := newKeyCoord(t, imgload.WithProcessor(&fakeProcessor{}))
	noProc := newKeyCoord(t)

	var tbl = []struct {
		coord  *imgload.Coordinator
		req    imgload.Request
		cache  bool
		result string
	}{
		{withProc, imgload.Request{URL: "http://img.test/a.png"}, false, "http://img.test/a.png"},
		{withProc, imgload.Request{URL: "http://img.test/a.png", TargetWidth: 64, TargetHeight: 48}, true,
			"http://img.test/a.png#64x48"},
		{withProc, imgload.Request{URL: "http://img.test/a.png"}, true, "http://img.test/a.png"},
		{noProc, imgload.Request{URL: "http://img.test/a.png", TargetWidth: 64}, true,
			"http://img.test/a.png"},
	}

	for i := range tbl {
		key := tbl[i].coord.FetchKey(tbl[i].req)
		if tbl[i].cache {
			key = tbl[i].coord.CacheKey(tbl[i].req)
		}
		if res := key.Digest(); res != tbl[i].result {
			t.Errorf("case %d failed. Got: %s, expected: %s", i, res, tbl[i].result)
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {

	coord := newKeyCoord(t)

	req := imgload.Request{URL: "http://img.test/a.png#frag", TargetWidth: 10}
	key := coord.CacheKey(req)

	if !key.IsCacheKey() {
		t.Error("cache key not flagged as such")
	}
	if got := key.Request().URL; got != "http://img.test/a.png" {
		t.Errorf("canonical url: got %s, expected http://img.test/a.png", got)
	}
	if key.Request().TargetWidth != 10 {
		t.Error("request fields lost in the key")
	}
}
