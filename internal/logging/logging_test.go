package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}

	// Should not panic when logging.
	logger.Info("test message")
	logger.Debug("debug message")
}

func TestDefault(t *testing.T) {
	t.Run("nil returns discard", func(t *testing.T) {
		logger := Default(nil)
		if logger == nil {
			t.Fatal("Default(nil) returned nil")
		}
		// Verify it's a discard logger by checking Enabled returns false.
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("Default(nil) should return a discard logger")
		}
	})

	t.Run("non-nil returns same logger", func(t *testing.T) {
		var buf bytes.Buffer
		original := slog.New(slog.NewTextHandler(&buf, nil))
		result := Default(original)
		if result != original {
			t.Error("Default should return the same logger when non-nil")
		}
	})
}

func TestParseLevelOverride(t *testing.T) {
	cases := []struct {
		in        string
		wantComp  string
		wantLevel slog.Level
		wantErr   bool
	}{
		{"broker=debug", ComponentBroker, slog.LevelDebug, false},
		{"publisher=info", ComponentPublisher, slog.LevelInfo, false},
		{"subscriber=WARN", ComponentSubscriber, slog.LevelWarn, false},
		{"subscriber=warning", ComponentSubscriber, slog.LevelWarn, false},
		{"broker=error", ComponentBroker, slog.LevelError, false},
		{"broker", "", 0, true},
		{"=debug", "", 0, true},
		{"broker=", "", 0, true},
		{"broker=trace", "", 0, true},
	}
	for _, c := range cases {
		component, level, err := ParseLevelOverride(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseLevelOverride(%q): expected error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevelOverride(%q): unexpected error: %v", c.in, err)
			continue
		}
		if component != c.wantComp || level != c.wantLevel {
			t.Errorf("ParseLevelOverride(%q) = (%q, %v), want (%q, %v)", c.in, component, level, c.wantComp, c.wantLevel)
		}
	}
}

// captureHandler captures log records for testing.
// Uses a shared records pointer so WithAttrs clones share the same storage.
type captureHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
}

func newCaptureHandler() *captureHandler {
	var mu sync.Mutex
	var records []slog.Record
	return &captureHandler{
		mu:      &mu,
		records: &records,
	}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &captureHandler{
		mu:      h.mu,
		records: h.records, // Share the same records slice.
		attrs:   newAttrs,
	}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(*h.records)
}

func TestComponentFilterHandler_BasicFiltering(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	// INFO should pass through (at default level).
	logger.Info("info message", "component", ComponentBroker)
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	// DEBUG should be filtered (below default INFO level).
	logger.Debug("debug message", "component", ComponentBroker)
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered), got %d", capture.count())
	}

	// WARN should pass through.
	logger.Warn("warn message", "component", ComponentBroker)
	if capture.count() != 2 {
		t.Errorf("expected 2 records, got %d", capture.count())
	}
}

func TestComponentFilterHandler_SetLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	// DEBUG should be filtered initially.
	logger.Debug("debug message", "component", ComponentPublisher)
	if capture.count() != 0 {
		t.Errorf("expected 0 records (debug filtered), got %d", capture.count())
	}

	// Enable DEBUG for publisher only.
	filter.SetLevel(ComponentPublisher, slog.LevelDebug)

	// DEBUG should now pass through for publisher.
	logger.Debug("debug message", "component", ComponentPublisher)
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	// DEBUG should still be filtered for broker and subscriber.
	logger.Debug("debug message", "component", ComponentBroker)
	logger.Debug("debug message", "component", ComponentSubscriber)
	if capture.count() != 1 {
		t.Errorf("expected 1 record (other components still filtered), got %d", capture.count())
	}
}

func TestComponentFilterHandler_ClearLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	// Enable DEBUG for subscriber.
	filter.SetLevel(ComponentSubscriber, slog.LevelDebug)

	// DEBUG should pass through.
	logger.Debug("debug message", "component", ComponentSubscriber)
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	// Clear the level.
	filter.ClearLevel(ComponentSubscriber)

	// DEBUG should now be filtered again.
	logger.Debug("debug message", "component", ComponentSubscriber)
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered after clear), got %d", capture.count())
	}
}

func TestComponentFilterHandler_Level(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)

	// Default level for unconfigured component.
	if level := filter.Level(ComponentSubscriber); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}

	// Set and check level.
	filter.SetLevel(ComponentSubscriber, slog.LevelDebug)
	if level := filter.Level(ComponentSubscriber); level != slog.LevelDebug {
		t.Errorf("expected DEBUG, got %v", level)
	}

	// DefaultLevel should always return the configured default.
	if level := filter.DefaultLevel(); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}
}

func TestComponentFilterHandler_WithAttrs(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)

	// Create a logger with component attribute pre-set, the way New() does
	// for each of broker/publisher/subscriber.
	logger := slog.New(filter).With("component", ComponentSubscriber)

	// Enable DEBUG for subscriber.
	filter.SetLevel(ComponentSubscriber, slog.LevelDebug)

	// DEBUG should pass through because component is in preAttrs.
	logger.Debug("debug message")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}
}

func TestComponentFilterHandler_NoComponent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	// Log without component attribute - should use default level.
	logger.Info("info message")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("debug message")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered), got %d", capture.count())
	}
}

func TestComponentFilterHandler_Concurrent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	var wg sync.WaitGroup
	const goroutines = 10
	const iterations = 100

	// Concurrent logging.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				logger.Info("message", "component", ComponentPublisher)
			}
		}()
	}

	// Concurrent level changes.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				filter.SetLevel(ComponentPublisher, slog.LevelDebug)
				filter.ClearLevel(ComponentPublisher)
			}
		}()
	}

	wg.Wait()

	// All INFO logs should have been captured.
	if count := capture.count(); count != goroutines*iterations {
		t.Errorf("expected %d records, got %d", goroutines*iterations, count)
	}
}

// TestComponentFilterHandler_Integration exercises the JSON-handler pattern
// documented on ComponentFilterHandler: a single filter shared across
// per-component loggers for all three cmd/caterva2-* binaries, with a
// --log-level override raising exactly one of them.
func TestComponentFilterHandler_Integration(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	logger := slog.New(filter)

	brokerLogger := logger.With("component", ComponentBroker)
	publisherLogger := logger.With("component", ComponentPublisher)
	subscriberLogger := logger.With("component", ComponentSubscriber)

	// Initially all three are at the default INFO level.
	brokerLogger.Debug("broker debug 1")
	publisherLogger.Debug("publisher debug 1")
	subscriberLogger.Debug("subscriber debug 1")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	// A --log-level subscriber=debug override raises only the subscriber.
	component, level, err := ParseLevelOverride("subscriber=debug")
	if err != nil {
		t.Fatalf("ParseLevelOverride: %v", err)
	}
	filter.SetLevel(component, level)

	brokerLogger.Debug("broker debug 2")
	publisherLogger.Debug("publisher debug 2")
	subscriberLogger.Debug("subscriber debug 2")

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal log line %q: %v", line, err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 1 {
		t.Fatalf("expected exactly 1 record, got %d: %v", len(lines), lines)
	}
	if lines[0]["component"] != ComponentSubscriber {
		t.Errorf("expected the surviving record to be from %q, got %v", ComponentSubscriber, lines[0]["component"])
	}
	if lines[0]["msg"] != "subscriber debug 2" {
		t.Errorf("expected msg %q, got %v", "subscriber debug 2", lines[0]["msg"])
	}
}

func TestComponentFilterHandler_WithGroup(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)

	// WithGroup should return a new handler that still filters.
	grouped := filter.WithGroup("mygroup")
	logger := slog.New(grouped)

	logger.Info("info message", "component", ComponentBroker)
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("debug message", "component", ComponentBroker)
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered), got %d", capture.count())
	}
}

func TestComponentFilterHandler_ClearLevelNonExistent(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)

	// Should not panic when clearing non-existent level.
	filter.ClearLevel("nonexistent")

	// Level should still be default.
	if level := filter.Level("nonexistent"); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}
}
