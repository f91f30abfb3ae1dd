package logger_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"egressfleet/pkg/utils/contextkey"
	"egressfleet/pkg/utils/logger"

	"go.uber.org/zap"
)

func TestContextFieldsReachOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.log")
	if err := logger.Init(logger.Config{Level: "debug", Format: "json", OutputPath: path, ErrorPath: path}); err != nil {
		t.Fatalf("init logger failed: %v", err)
	}

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = logger.WithInstance(ctx, "w1")
	logger.Info(ctx, "instance running", zap.String("namespace", "ef-w1"))
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, line)
	}
	for key, want := range map[string]string{
		"msg":         "instance running",
		"trace_id":    "trace-1",
		"instance_id": "w1",
		"namespace":   "ef-w1",
		"level":       "info",
	} {
		if entry[key] != want {
			t.Fatalf("field %s: expected %q, got %v", key, want, entry[key])
		}
	}
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	if err := logger.Init(logger.Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
