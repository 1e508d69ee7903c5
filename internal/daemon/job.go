// Package daemon verifies commands dropped into an inbox directory and
// writes one result per command to the outbox.
package daemon

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gzhole/transguard/internal/compliance"
	"github.com/gzhole/transguard/internal/model"
)

// Result statuses.
const (
	StatusVerdict     = "verdict"
	StatusUnavailable = "unavailable"
	StatusInvalid     = "invalid"
)

// validID matches alphanumeric characters, dashes, dots and underscores only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Job is the inbox file format.
type Job struct {
	ID      string             `json:"id"`
	Command string             `json:"command"`
	Dialect string             `json:"dialect"`
	Expect  *model.Expectation `json:"expect,omitempty"`
}

// Result is written to the outbox as <id>.json.
type Result struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Verdict     *compliance.Verdict `json:"verdict,omitempty"`
	Error       string              `json:"error,omitempty"`
	CompletedAt time.Time           `json:"completed_at"`
}

// ParseJob decodes one job. A missing id defaults to defaultID, which for
// inbox files is the file name without its extension.
func ParseJob(data []byte, defaultID string) (model.Command, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return model.Command{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if job.ID == "" {
		job.ID = defaultID
	}
	if !validID.MatchString(job.ID) {
		return model.Command{}, fmt.Errorf("invalid id %q", job.ID)
	}
	if strings.TrimSpace(job.Command) == "" {
		return model.Command{}, fmt.Errorf("job %s: command is empty", job.ID)
	}
	dialect, err := model.ParseDialect(job.Dialect)
	if err != nil {
		return model.Command{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return model.Command{ID: job.ID, Text: job.Command, Dialect: dialect, Expect: job.Expect}, nil
}
