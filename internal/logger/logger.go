package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/gzhole/transguard/internal/redact"
)

// defaultMaxLogBytes is the size at which the audit log is rotated to
// <path>.1. Only one backup is kept.
const defaultMaxLogBytes = 10 << 20

// AuditEvent is one JSONL line per verdict.
type AuditEvent struct {
	Timestamp       string   `json:"timestamp"`
	CommandID       string   `json:"command_id"`
	Dialect         string   `json:"dialect"`
	Command         string   `json:"command"`
	Candidate       string   `json:"candidate,omitempty"`
	Pass            bool     `json:"pass"`
	RiskTier        string   `json:"risk_tier"`
	AggregateScore  float64  `json:"aggregate_score"`
	FindingKinds    []string `json:"finding_kinds,omitempty"`
	MitreTags       []string `json:"mitre_tags,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	PolicyDigest    string   `json:"policy_digest,omitempty"`
	Source          string   `json:"source,omitempty"`
	Error           string   `json:"error,omitempty"`
}

type AuditLogger struct {
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	mu       sync.Mutex
}

func New(path string) (*AuditLogger, error) {
	l := &AuditLogger{path: path, maxBytes: defaultMaxLogBytes}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	l.file = file
	l.size = info.Size()
	return nil
}

func (l *AuditLogger) Log(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Redact sensitive data before logging
	event.Command = redact.Redact(event.Command)
	event.Candidate = redact.Redact(event.Candidate)
	event.RejectionReason = redact.Redact(event.RejectionReason)
	if event.Error != "" {
		event.Error = redact.Redact(event.Error)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if l.size+int64(len(data)) > l.maxBytes && l.size > 0 {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	l.size += int64(n)
	return err
}

// rotate moves the current file to <path>.1 and starts a fresh one.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return err
	}
	return l.open()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
