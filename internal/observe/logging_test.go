package observe_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/halcyonlabs/voicegate/internal/observe"
)

// newTestLogger returns a logger writing JSON records into buf through the
// redact handler.
func newTestLogger(buf *bytes.Buffer, extra ...string) *slog.Logger {
	inner := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(observe.NewRedactHandler(inner, extra...))
}

func TestRedactHandler_ScrubsListedKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.Info("transcript received",
		"transcript", "I have chest pain",
		"text", "hello",
		"session_id", "abc-123",
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	if rec["transcript"] != observe.RedactSentinel {
		t.Errorf("transcript = %v; want sentinel", rec["transcript"])
	}
	if rec["text"] != observe.RedactSentinel {
		t.Errorf("text = %v; want sentinel", rec["text"])
	}
	if rec["session_id"] != "abc-123" {
		t.Errorf("session_id = %v; want abc-123 (must not be scrubbed)", rec["session_id"])
	}
	if strings.Contains(buf.String(), "chest pain") {
		t.Error("user content leaked into log output")
	}
}

func TestRedactHandler_ScrubsNestedGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.Info("event",
		slog.Group("payload",
			slog.String("email", "pat@example.com"),
			slog.Group("inner",
				slog.String("phone", "555-0100"),
				slog.Int("count", 3),
			),
		),
	)

	out := buf.String()
	if strings.Contains(out, "pat@example.com") {
		t.Error("email leaked through nested group")
	}
	if strings.Contains(out, "555-0100") {
		t.Error("phone leaked through nested group")
	}
	if !strings.Contains(out, `"count":3`) {
		t.Errorf("non-sensitive nested value missing: %s", out)
	}
}

func TestRedactHandler_WithAttrsScrubs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newTestLogger(&buf).With("token", "super-secret")

	logger.Info("connected")

	if strings.Contains(buf.String(), "super-secret") {
		t.Error("token attached via With leaked")
	}
	if !strings.Contains(buf.String(), observe.RedactSentinel) {
		t.Error("sentinel missing from record")
	}
}

func TestRedactHandler_ExtraKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newTestLogger(&buf, "mrn")

	logger.Info("chart", "mrn", "123456")

	if strings.Contains(buf.String(), "123456") {
		t.Error("extra redact key not honoured")
	}
}

func TestNewLogger_ProductionClampsDebug(t *testing.T) {
	t.Parallel()

	logger := observe.NewLogger(observe.LoggerConfig{
		Level:      slog.LevelDebug,
		Production: true,
	})
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level must be disabled in production")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info level must stay enabled in production")
	}
}
