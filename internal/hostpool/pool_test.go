package hostpool

import (
	"errors"
	"sync"
	"testing"
)

func TestGetPutReuse(t *testing.T) {
	t.Parallel()
	p := New(0)
	a, err := p.Get(100)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(a) != 100 || cap(a) != minClass {
		t.Fatalf("len=%d cap=%d", len(a), cap(a))
	}
	if err := p.Put(a); err != nil {
		t.Fatalf("Put: %v", err)
	}
	b, err := p.Get(200)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if &a[0] != &b[0] {
		t.Fatalf("expected idle buffer to be reused")
	}
}

func TestLentBufferNotHandedOutTwice(t *testing.T) {
	t.Parallel()
	p := New(0)
	a, _ := p.Get(64)
	b, _ := p.Get(64)
	if &a[0] == &b[0] {
		t.Fatalf("same backing array handed out while lent")
	}
	if !p.Owns(a) || !p.Owns(b) {
		t.Fatalf("expected both buffers lent")
	}
}

func TestDoublePut(t *testing.T) {
	t.Parallel()
	p := New(0)
	a, _ := p.Get(10)
	if err := p.Put(a); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Put(a); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
	if err := p.Put(make([]byte, 8)); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned for foreign buffer, got %v", err)
	}
}

func TestSizeClasses(t *testing.T) {
	t.Parallel()
	cases := map[int]int{1: 4096, 4096: 4096, 4097: 8192, 1 << 20: 1 << 20, 1<<20 + 1: 2 << 20}
	for size, want := range cases {
		if got := classOf(size); got != want {
			t.Fatalf("classOf(%d)=%d want %d", size, got, want)
		}
	}
}

func TestExhaustedAndTrim(t *testing.T) {
	t.Parallel()
	p := New(2 * minClass)
	a, _ := p.Get(1)
	b, _ := p.Get(1)
	if _, err := p.Get(1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	_ = p.Put(a)
	_ = p.Put(b)
	big, err := p.Get(2 * minClass)
	if err != nil {
		t.Fatalf("expected idle buffers to be trimmed: %v", err)
	}
	if st := p.Stats(); st.CurrentSize != 2*minClass || st.InUse != 1 || st.Idle != 0 {
		t.Fatalf("stats %+v", st)
	}
	_ = p.Put(big)
}

func TestGetRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := New(0).Get(0); !errors.Is(err, ErrSize) {
		t.Fatalf("expected ErrSize, got %v", err)
	}
}

func TestCloseKeepsLentBuffersReturnable(t *testing.T) {
	t.Parallel()
	p := New(0)
	a, _ := p.Get(10)
	p.Close()
	if _, err := p.Get(10); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := p.Put(a); err != nil {
		t.Fatalf("Put after Close: %v", err)
	}
	if st := p.Stats(); st.CurrentSize != 0 {
		t.Fatalf("expected empty pool, got %+v", st)
	}
}

func TestConcurrentGetPut(t *testing.T) {
	t.Parallel()
	p := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				buf, err := p.Get(512)
				if err != nil {
					t.Errorf("Get: %v", err)
					return
				}
				buf[0] = byte(j)
				if err := p.Put(buf); err != nil {
					t.Errorf("Put: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if st := p.Stats(); st.InUse != 0 {
		t.Fatalf("leaked buffers: %+v", st)
	}
}
