package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuditRecordWritesLines(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAuditLogger(dir, 100)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	a.Record(AuditBlock, "rule_id=942100 ip=1.2.3.4 domain=example.com")
	a.Record(AuditRateLimitExceeded, "ip=1.2.3.4 path=/login")
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), string(data))
	}
	if !strings.Contains(lines[0], "BLOCK") || !strings.Contains(lines[0], "942100") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "RATE_LIMIT_EXCEEDED") {
		t.Errorf("second line = %q", lines[1])
	}
}

func TestAuditRotateIfNeededReopens(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAuditLogger(dir, 100)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	a.Record(AuditConfigChange, "before rotate")
	if err := a.RotateIfNeeded(); err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}
	a.Record(AuditConfigChange, "after rotate")
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	if !strings.Contains(string(data), "after rotate") {
		t.Errorf("writes after a rotate must land in the reopened file, got %q", string(data))
	}
}

func TestLoggerLostLogsStartsZero(t *testing.T) {
	l := New(10)
	defer l.Close()
	if l.LostLogs() != 0 {
		t.Errorf("fresh logger LostLogs = %d", l.LostLogs())
	}
}
