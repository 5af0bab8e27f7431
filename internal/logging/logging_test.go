package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	isTerminalFn = func(int) bool { return false }
}

func readJSONLine(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(string(data))
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "reconciler",
	})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected base writer to be os.Stderr, got %#v", baseWriter)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}
	if baseComponent != "reconciler" {
		t.Fatalf("expected base component reconciler, got %s", baseComponent)
	}
	if !reflect.DeepEqual(log.Logger, baseLogger) {
		t.Fatal("expected global log.Logger to match baseLogger")
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "console"})

	mu.RLock()
	defer mu.RUnlock()
	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %T", baseWriter)
	}
}

func TestAutoFormatFollowsTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)

	isTerminalFn = func(int) bool { return true }
	if _, ok := selectWriter("auto").(zerolog.ConsoleWriter); !ok {
		t.Fatal("expected console writer on a terminal")
	}
	isTerminalFn = func(int) bool { return false }
	if w := selectWriter(""); w != os.Stderr {
		t.Fatalf("expected stderr when not a terminal, got %T", w)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"verbose":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestInitWritesJSONCopyToFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "logs", "pulse-compute.log")
	Init(Config{Format: "json", Component: "ledger-node", FilePath: path})
	log.Info().Uint64("entitlement_id", 7).Msg("Entitlement provisioned")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	event := readJSONLine(t, data)
	if event["component"] != "ledger-node" || event["message"] != "Entitlement provisioned" {
		t.Fatalf("unexpected event: %v", event)
	}
	if event["entitlement_id"] != float64(7) {
		t.Fatalf("entitlement_id = %v", event["entitlement_id"])
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  req-123 ")
	if id != "req-123" || RequestIDFromContext(ctx) != "req-123" {
		t.Fatalf("unexpected request id %q / %q", id, RequestIDFromContext(ctx))
	}

	ctx, generated := WithRequestID(context.Background(), "")
	if generated == "" || RequestIDFromContext(ctx) != generated {
		t.Fatalf("expected generated request id, got %q", generated)
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Fatal("expected empty request id on bare context")
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseLogger = zerolog.New(&buf)
	mu.Unlock()

	ctx, _ := WithRequestID(context.Background(), "abc")
	logger := FromContext(ctx)
	logger.Info().Msg("hello")

	event := readJSONLine(t, buf.Bytes())
	if event["request_id"] != "abc" {
		t.Fatalf("request_id = %v", event["request_id"])
	}
}
