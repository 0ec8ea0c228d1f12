package models

import (
	"fmt"
	"strings"
	"time"
)

// JobKind is the fan-out shape of a broadcast job
type JobKind string

const (
	JobChat   JobKind = "chat"
	JobLetter JobKind = "letter"
)

// ParseJobKind accepts "chat" or "letter" (case-insensitive)
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(strings.ToLower(strings.TrimSpace(s))) {
	case JobChat:
		return JobChat, nil
	case JobLetter:
		return JobLetter, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// BroadcastJob is one profile's outbound campaign unit
type BroadcastJob struct {
	ExternalID  ExternalID `json:"external_id" yaml:"external_id"`
	ProfileName string     `json:"profile_name" yaml:"profile_name"`
	Message     string     `json:"message" yaml:"message"`
	Kind        JobKind    `json:"kind" yaml:"kind"`
}

// QueueStatus is the runner's persisted status
type QueueStatus string

const (
	QueueIdle     QueueStatus = ""
	QueueRunning  QueueStatus = "running"
	QueueFinished QueueStatus = "finished"
)

// JobResult aggregates the outcome of one job
type JobResult struct {
	ExternalID ExternalID `json:"external_id"`
	Kind       JobKind    `json:"kind"`
	Targets    int        `json:"targets"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Skipped    bool       `json:"skipped,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// BroadcastQueueState is the runner's persisted, resumable progress
type BroadcastQueueState struct {
	Status         QueueStatus    `json:"status"`
	Index          int            `json:"index"`
	Queue          []BroadcastJob `json:"queue"`
	CurrentProfile string         `json:"current_profile,omitempty"`
	Results        []JobResult    `json:"results,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// Resumable reports whether a reload should continue this queue
func (s BroadcastQueueState) Resumable() bool {
	return s.Status == QueueRunning && len(s.Queue) > 0 && s.Index < len(s.Queue)
}

// QueueResult is delivered once a whole queue finishes
type QueueResult struct {
	Jobs   int         `json:"jobs"`
	Sent   int         `json:"sent"`
	Failed int         `json:"failed"`
	Result []JobResult `json:"results"`
	Err    error       `json:"-"`
}

// Totals sums sent/failed over job results
func Totals(results []JobResult) (sent, failed int) {
	for _, r := range results {
		sent += r.Sent
		failed += r.Failed
	}
	return sent, failed
}
