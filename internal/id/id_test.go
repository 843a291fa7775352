package id

import (
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var requestPattern = regexp.MustCompile(`^\d{13}-[0-9a-f]{8}$`)

func TestRequest_Format(t *testing.T) {
	now := time.UnixMilli(1760000000123)
	got := Request(now)
	if !requestPattern.MatchString(got) {
		t.Fatalf("Request() = %q, does not match %s", got, requestPattern)
	}
	if !strings.HasPrefix(got, "1760000000123-") {
		t.Errorf("Request() = %q, want timestamp prefix", got)
	}
}

func TestRequest_UniqueAcrossGoroutines(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := Request(now)
			mu.Lock()
			defer mu.Unlock()
			if seen[v] {
				t.Errorf("duplicate request id %s", v)
			}
			seen[v] = true
		}()
	}
	wg.Wait()
}

func TestShort(t *testing.T) {
	if got := Short(6); len(got) != 6 {
		t.Errorf("Short(6) length = %d", len(got))
	}
	if got := Short(100); len(got) != 32 {
		t.Errorf("Short(100) length = %d, want 32", len(got))
	}
}
