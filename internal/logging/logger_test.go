package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, logrus.InfoLevel)

	l.Info("sync cycle finished", map[string]interface{}{"processed": 4})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log entry, got %q: %v", buf.String(), err)
	}

	if entry["msg"] != "sync cycle finished" {
		t.Errorf("Expected message field, got %v", entry["msg"])
	}

	if entry["processed"] != float64(4) {
		t.Errorf("Expected processed=4, got %v", entry["processed"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, logrus.WarnLevel)

	l.Debug("should be dropped")
	l.Info("should be dropped too")

	if buf.Len() != 0 {
		t.Errorf("Expected no output below warn level, got %q", buf.String())
	}

	l.Warn("kept")
	if buf.Len() == 0 {
		t.Error("Expected warn entry to be written")
	}
}

func TestLoggerErrorFields(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, logrus.InfoLevel)

	l.ErrorWithCode("delivery failed", "DELIVERY_FAILED", errors.New("connection refused"),
		map[string]interface{}{"operation_id": 12})

	out := buf.String()
	for _, want := range []string{"DELIVERY_FAILED", "connection refused", "operation_id"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %q, got %q", want, out)
		}
	}
}
