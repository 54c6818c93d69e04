package pool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAcquire_OneTransportPerAccount(t *testing.T) {
	p := New(nil, Options{}, nil)

	const accounts = 5
	const rounds = 10

	var wg sync.WaitGroup
	for i := 0; i < accounts; i++ {
		id := fmt.Sprintf("acct-%d", i)
		for j := 0; j < rounds; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr, err := p.Acquire(id)
				if err != nil {
					t.Errorf("Acquire(%s) returned error: %v", id, err)
					return
				}
				p.Release(tr)
			}()
		}
	}
	wg.Wait()

	if got := p.Len(); got != accounts {
		t.Fatalf("transport count mismatch: got %d want %d", got, accounts)
	}
}

func TestAcquire_ExclusivePerAccount(t *testing.T) {
	p := New(nil, Options{AcquireTimeout: 50 * time.Millisecond}, nil)

	tr, err := p.Acquire("acct-1")
	if err != nil {
		t.Fatalf("first Acquire returned error: %v", err)
	}

	// 同账户并发借用必须等待，超时返回 ErrUnavailable。
	if _, err := p.Acquire("acct-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	// 其他账户不受影响。
	other, err := p.Acquire("acct-2")
	if err != nil {
		t.Fatalf("Acquire for other account returned error: %v", err)
	}
	p.Release(other)

	p.Release(tr)
	tr2, err := p.Acquire("acct-1")
	if err != nil {
		t.Fatalf("Acquire after release returned error: %v", err)
	}
	p.Release(tr2)
}

func TestAcquire_RebuildsIdleTransport(t *testing.T) {
	p := New(nil, Options{IdleTimeout: time.Minute}, nil)

	current := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return current }

	first, err := p.Acquire("acct-1")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	p.Release(first)

	current = current.Add(2 * time.Minute)
	second, err := p.Acquire("acct-1")
	if err != nil {
		t.Fatalf("Acquire after idle returned error: %v", err)
	}
	defer p.Release(second)

	if first == second {
		t.Fatal("expected idle transport to be rebuilt")
	}
	if got := p.Len(); got != 1 {
		t.Fatalf("transport count mismatch: got %d want 1", got)
	}
}

func TestAcquire_ProxyAssignment(t *testing.T) {
	proxies := NewProxyList([]string{"http://p1:8080", "http://p2:8080"})
	p := New(proxies, Options{}, nil)
	p.SetProxy("acct-3", "http://override:9090")

	a, err := p.Acquire("acct-1")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	p.Release(a)
	b, err := p.Acquire("acct-2")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	p.Release(b)
	c, err := p.Acquire("acct-3")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	p.Release(c)

	if a.Proxy() != "http://p1:8080" || b.Proxy() != "http://p2:8080" {
		t.Fatalf("round-robin mismatch: got %q, %q", a.Proxy(), b.Proxy())
	}
	if c.Proxy() != "http://override:9090" {
		t.Fatalf("override mismatch: got %q", c.Proxy())
	}
}

func TestAcquire_BadProxyURL(t *testing.T) {
	p := New(nil, Options{}, nil)
	p.SetProxy("acct-1", "://bad proxy")

	if _, err := p.Acquire("acct-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for bad proxy, got %v", err)
	}
}

func TestProxyList_NextAndRemove(t *testing.T) {
	l := NewProxyList([]string{"a", "b", "a", "", " c "})
	if l.Len() != 3 {
		t.Fatalf("expected deduped length 3, got %d", l.Len())
	}

	got := []string{l.Next(), l.Next(), l.Next(), l.Next()}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round-robin order mismatch at %d: got %q want %q", i, got[i], want[i])
		}
	}

	l.Remove("b")
	if l.Len() != 2 {
		t.Fatalf("expected length 2 after remove, got %d", l.Len())
	}
	l.Remove("x")
	if l.Len() != 2 {
		t.Fatalf("removing unknown proxy changed length: got %d", l.Len())
	}
}

func TestLoadProxyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.txt")
	content := "# comment\nhttp://p1:8080\n\nhttp://p2:8080\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write proxy file: %v", err)
	}

	l, err := LoadProxyFile(path)
	if err != nil {
		t.Fatalf("LoadProxyFile returned error: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 proxies, got %d", l.Len())
	}

	missing, err := LoadProxyFile(filepath.Join(dir, "missing.txt"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if missing.Len() != 0 {
		t.Fatalf("missing file should yield empty list, got %d", missing.Len())
	}
}

func TestAcquire_TimedOutBorrowReleasesReservation(t *testing.T) {
	p := New(nil, Options{AcquireTimeout: 30 * time.Millisecond, IdleTimeout: time.Minute}, nil)

	current := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return current }

	first, err := p.Acquire("acct-1")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	// 第二次借用等待超时，预占计数必须随之回退。
	if _, err := p.Acquire("acct-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timed-out borrow, got %v", err)
	}
	p.Release(first)

	current = current.Add(2 * time.Minute)
	second, err := p.Acquire("acct-1")
	if err != nil {
		t.Fatalf("Acquire after idle returned error: %v", err)
	}
	defer p.Release(second)

	if first == second {
		t.Fatal("expected idle transport to be rebuilt after timed-out borrow")
	}
}

func TestAcquire_PendingBorrowerBlocksIdleRecycle(t *testing.T) {
	p := New(nil, Options{AcquireTimeout: 2 * time.Second, IdleTimeout: time.Minute}, nil)

	current := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return current }

	first, err := p.Acquire("acct-1")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}

	got := make(chan *Transport, 1)
	go func() {
		tr, err := p.Acquire("acct-1")
		if err != nil {
			t.Errorf("queued Acquire returned error: %v", err)
			got <- nil
			return
		}
		got <- tr
	}()
	time.Sleep(20 * time.Millisecond)

	// 等待中的借用方已预占计数，时钟跨过闲置阈值也不触发回收。
	current = current.Add(2 * time.Minute)
	p.Release(first)

	second := <-got
	if second == nil {
		t.Fatal("queued borrower did not obtain transport")
	}
	if second != first {
		t.Fatal("queued borrower should reuse the existing transport")
	}
	p.Release(second)
	if got := p.Len(); got != 1 {
		t.Fatalf("transport count mismatch: got %d want 1", got)
	}
}
