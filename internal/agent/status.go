package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownStatus = errors.New("unknown agent status")

type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusInitializing Status = "INITIALIZING"
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// ParseStatus accepts the canonical names plus the decorated forms executors
// tend to emit ("PROCESSING...", "FAILED: timeout").
func ParseStatus(raw string) (Status, error) {
	value := strings.ToUpper(strings.TrimSpace(raw))
	value = strings.TrimRight(value, ". ")
	if strings.HasPrefix(value, string(StatusFailed)) {
		return StatusFailed, nil
	}
	switch Status(value) {
	case StatusQueued, StatusInitializing, StatusProcessing, StatusCompleted:
		return Status(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInitializing, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along the lifecycle; both terminal states share a rank.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusInitializing:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		panic(fmt.Sprintf("agent: unhandled status %q", string(s)))
	}
}

// DeriveProgress is the fallback used when a progress report carries no
// explicit percentage.
func DeriveProgress(s Status) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusInitializing:
		return 25
	case StatusProcessing:
		return 50
	case StatusCompleted:
		return 100
	case StatusFailed:
		return 0
	default:
		panic(fmt.Sprintf("agent: unhandled status %q", string(s)))
	}
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
