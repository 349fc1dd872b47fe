package sandbox

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestResourceConfigWithDefaults(t *testing.T) {
	cfg := ResourceConfig{}.WithDefaults()
	if cfg.CPULimit != DefaultCPULimit {
		t.Fatalf("cpu = %v, want %v", cfg.CPULimit, DefaultCPULimit)
	}
	if cfg.MemoryMB != DefaultMemoryMB {
		t.Fatalf("memory = %d, want %d", cfg.MemoryMB, DefaultMemoryMB)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Fatalf("timeout = %v, want %v", cfg.Timeout, DefaultTimeout)
	}

	cfg = ResourceConfig{MemoryMB: 256, Timeout: time.Second}.WithDefaults()
	if cfg.MemoryMB != 256 || cfg.Timeout != time.Second {
		t.Fatalf("set fields must survive defaults: %+v", cfg)
	}
}

func TestCommandTimeoutOr(t *testing.T) {
	if got := (Command{Timeout: time.Second}).timeoutOr(5 * time.Second); got != time.Second {
		t.Fatalf("command timeout should win, got %v", got)
	}
	if got := (Command{}).timeoutOr(5 * time.Second); got != 5*time.Second {
		t.Fatalf("fallback should apply, got %v", got)
	}
	if got := (Command{}).timeoutOr(0); got != DefaultTimeout {
		t.Fatalf("default should apply last, got %v", got)
	}
}

func TestEnvironmentDestroyIdempotent(t *testing.T) {
	env := &Environment{ID: "env-1"}
	if env.Destroyed() {
		t.Fatalf("fresh environment marked destroyed")
	}
	if !env.markDestroyed() {
		t.Fatalf("first destroy must win the flag")
	}
	if env.markDestroyed() {
		t.Fatalf("second destroy must be a no-op")
	}
	if !env.Destroyed() {
		t.Fatalf("environment not marked destroyed")
	}
}

func TestLimitedBufferDropsOverflow(t *testing.T) {
	buf := newLimitedBuffer(8)

	n, err := buf.Write([]byte("12345"))
	if err != nil || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	n, err = buf.Write([]byte("6789abc"))
	if err != nil || n != 7 {
		t.Fatalf("overflow write must report full consumption, got %d, %v", n, err)
	}
	if got := buf.String(); got != "12345678" {
		t.Fatalf("buffer = %q, want first 8 bytes", got)
	}

	n, err = buf.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Fatalf("post-cap write = %d, %v", n, err)
	}
	if got := buf.String(); got != "12345678" {
		t.Fatalf("buffer grew past the cap: %q", got)
	}
}

func TestLimitedBufferConcurrentAccess(t *testing.T) {
	buf := newLimitedBuffer(1 << 16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, _ = buf.Write([]byte("chunk"))
		}
	}()
	for i := 0; i < 1000; i++ {
		_ = buf.String()
	}
	wg.Wait()

	if got := buf.String(); len(got)%len("chunk") != 0 || !strings.HasPrefix(got, "chunk") {
		t.Fatalf("buffer content torn: %q...", got[:min(len(got), 20)])
	}
}

func TestWrapWithTimeout(t *testing.T) {
	argv := wrapWithTimeout([]string{"python3", "script.py"}, 5*time.Second)
	want := []string{"timeout", "-k", "1", "5", "python3", "script.py"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
	}

	// Sub-second budgets round up, never down to zero.
	if got := wrapWithTimeout([]string{"x"}, 1500*time.Millisecond)[3]; got != "2" {
		t.Fatalf("1.5s budget = %q, want 2", got)
	}
	if got := wrapWithTimeout([]string{"x"}, 100*time.Millisecond)[3]; got != "1" {
		t.Fatalf("0.1s budget = %q, want 1", got)
	}
}

func TestClassifyExecExit(t *testing.T) {
	cases := []struct {
		name         string
		exitCode     int
		oom          bool
		elapsed      time.Duration
		wantTimedOut bool
		wantOOM      bool
	}{
		{"clean exit", 0, false, time.Second, false, false},
		{"runtime error", 1, false, time.Second, false, false},
		{"watchdog timeout", 124, false, 5 * time.Second, true, false},
		{"sigkill with oom flag", 137, true, time.Second, false, true},
		{"sigkill past the budget", 137, false, 6 * time.Second, true, false},
		{"sigkill early without oom", 137, false, time.Second, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			timedOut, oomKilled := classifyExecExit(tc.exitCode, tc.oom, tc.elapsed, 5*time.Second)
			if timedOut != tc.wantTimedOut || oomKilled != tc.wantOOM {
				t.Fatalf("classifyExecExit(%d, %v, %v) = %v, %v; want %v, %v",
					tc.exitCode, tc.oom, tc.elapsed, timedOut, oomKilled, tc.wantTimedOut, tc.wantOOM)
			}
		})
	}
}
