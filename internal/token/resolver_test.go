package token

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type mockLister struct {
	assets []Asset
	err    error
	calls  int
}

func (m *mockLister) TokenList(ctx context.Context) ([]Asset, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.assets, nil
}

func writeCacheFile(t *testing.T, assets []Asset) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	raw, err := json.Marshal(assets)
	if err != nil {
		t.Fatalf("marshal cache: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	return path
}

func TestResolve_CacheFileHit(t *testing.T) {
	path := writeCacheFile(t, []Asset{
		{AlphaID: "ALPHA_200", Symbol: "FOO", PricePrecision: 8, QuantityPrecision: 2},
	})
	lister := &mockLister{}
	r := NewResolver(path, lister, nil)

	asset, err := r.Resolve(context.Background(), "foo")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if asset.AlphaID != "ALPHA_200" {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if lister.calls != 0 {
		t.Fatalf("cache hit must not query remote, got %d calls", lister.calls)
	}
}

func TestResolve_RemoteFallbackRefreshesCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	lister := &mockLister{assets: []Asset{
		{AlphaID: "ALPHA_300", Symbol: "BAR", PricePrecision: 8, QuantityPrecision: 2},
	}}
	r := NewResolver(path, lister, nil)

	asset, err := r.Resolve(context.Background(), "BAR")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if asset.AlphaID != "ALPHA_300" {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if lister.calls != 1 {
		t.Fatalf("expected one remote query, got %d", lister.calls)
	}

	// 远端结果已落盘，新解析器可直接命中缓存文件。
	r2 := NewResolver(path, &mockLister{err: errors.New("down")}, nil)
	if _, err := r2.Resolve(context.Background(), "BAR"); err != nil {
		t.Fatalf("cache file should serve after refresh: %v", err)
	}

	// 同一解析器的后续调用命中内存缓存。
	if _, err := r.Resolve(context.Background(), "BAR"); err != nil {
		t.Fatalf("memory cache should serve: %v", err)
	}
	if lister.calls != 1 {
		t.Fatalf("memory hit must not re-query, got %d calls", lister.calls)
	}
}

func TestResolve_BuiltinFallback(t *testing.T) {
	lister := &mockLister{err: errors.New("listing down")}
	r := NewResolver("", lister, nil)

	asset, err := r.Resolve(context.Background(), "BR")
	if err != nil {
		t.Fatalf("builtin fallback should serve BR: %v", err)
	}
	if asset.AlphaID != "ALPHA_118" {
		t.Fatalf("unexpected builtin mapping: %+v", asset)
	}
}

func TestResolve_AllTiersFail(t *testing.T) {
	lister := &mockLister{err: errors.New("listing down")}
	r := NewResolver("", lister, nil)

	if _, err := r.Resolve(context.Background(), "NOPE"); err == nil {
		t.Fatal("expected error when no tier can resolve")
	}
}

func TestResolve_EmptySymbol(t *testing.T) {
	r := NewResolver("", nil, nil)
	if _, err := r.Resolve(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty symbol")
	}
}

func TestResolve_CorruptCacheFileIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt cache: %v", err)
	}

	lister := &mockLister{assets: []Asset{{AlphaID: "ALPHA_1", Symbol: "X"}}}
	r := NewResolver(path, lister, nil)

	if _, err := r.Resolve(context.Background(), "X"); err != nil {
		t.Fatalf("corrupt cache must fall through to remote: %v", err)
	}
}
