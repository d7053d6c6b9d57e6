package logging

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"
)

// syncBuffer guards the shared default writer against concurrent component
// loggers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func withCapturedOutput(t *testing.T, level Level) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	SetDefault(buf, level)
	t.Cleanup(func() { SetDefault(os.Stderr, LevelInfo) })
	return buf
}

func TestComponentLoggerFormat(t *testing.T) {
	buf := withCapturedOutput(t, LevelInfo)

	logger := NewComponentLogger("LeaseManager")
	logger.Info("claimed task %s", "abc123")

	line := buf.String()
	if !strings.Contains(line, "[INFO]") || !strings.Contains(line, "[LeaseManager]") {
		t.Fatalf("line = %q", line)
	}
	if !strings.Contains(line, "claimed task abc123") {
		t.Fatalf("line = %q", line)
	}
	if !strings.Contains(line, "logger_test.go:") {
		t.Fatalf("caller missing: %q", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := withCapturedOutput(t, LevelWarn)

	logger := NewComponentLogger("test")
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("visible warn")
	logger.Error("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("filtered levels leaked: %q", out)
	}
	if !strings.Contains(out, "visible warn") || !strings.Contains(out, "visible error") {
		t.Fatalf("output = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	var typed *writerLogger
	var iface Logger = typed
	OrNop(iface).Info("must not panic")

	real := NewComponentLogger("x")
	if OrNop(real) != real {
		t.Fatal("OrNop should pass a live logger through")
	}
}

func TestMultiFansOut(t *testing.T) {
	buf := withCapturedOutput(t, LevelInfo)

	a := NewComponentLogger("a")
	b := NewComponentLogger("b")
	Multi(a, nil, b).Info("fan out")

	out := buf.String()
	if strings.Count(out, "fan out") != 2 {
		t.Fatalf("output = %q", out)
	}

	if Multi() != Nop() {
		t.Fatal("empty Multi should collapse to Nop")
	}
	if Multi(a) != a {
		t.Fatal("single-logger Multi should return the logger itself")
	}
}
