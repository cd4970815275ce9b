package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobState is the lifecycle position of a job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateNotFound  JobState = "not_found"
)

// Job is a unit of work stored in a queue.
type Job struct {
	ID           string
	Name         string
	Data         json.RawMessage
	State        JobState
	Attempts     int
	AttemptsMade int
	Progress     int
	FailedReason string
	Timestamp    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time

	queue *Queue
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	return nil
}

// UpdateProgress records a progress percentage for the job.
func (j *Job) UpdateProgress(ctx context.Context, progress int) error {
	if j.queue == nil {
		return fmt.Errorf("job %s is detached from its queue", j.ID)
	}
	if err := j.queue.UpdateProgress(ctx, j.ID, progress); err != nil {
		return err
	}
	j.Progress = progress
	return nil
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	JobID    string   `json:"jobId"`
	State    JobState `json:"status"`
	Progress *int     `json:"progress,omitempty"`
}

func jobFromHash(q *Queue, h map[string]string) *Job {
	j := &Job{
		ID:           h["id"],
		Name:         h["name"],
		Data:         json.RawMessage(h["data"]),
		State:        JobState(h["state"]),
		Attempts:     atoi(h["attempts"]),
		AttemptsMade: atoi(h["attemptsMade"]),
		Progress:     atoi(h["progress"]),
		FailedReason: h["failedReason"],
		Timestamp:    time.UnixMilli(int64(atoi(h["timestamp"]))),
		queue:        q,
	}
	if v, ok := h["processedOn"]; ok {
		t := time.UnixMilli(int64(atoi(v)))
		j.ProcessedOn = &t
	}
	if v, ok := h["finishedOn"]; ok {
		t := time.UnixMilli(int64(atoi(v)))
		j.FinishedOn = &t
	}
	return j
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
