package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxRetries applies when a create request omits maxRetries.
const DefaultMaxRetries = 10

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusRetrying  Status = "RETRYING"
	StatusExhausted Status = "EXHAUSTED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusRetrying,
	StatusExhausted,
}

var transitions = map[Status][]Status{
	StatusCreated:  {StatusRunning},
	StatusRetrying: {StatusRunning},
	StatusRunning:  {StatusSucceeded, StatusFailed},
	StatusFailed:   {StatusRetrying, StatusExhausted},
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusExhausted
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

type Job struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Status          Status          `json:"status"`
	StatusUpdatedAt time.Time       `json:"statusUpdatedAt"`
	RetryCount      int             `json:"retryCount"`
	MaxRetries      int             `json:"maxRetries"`
	Payload         json.RawMessage `json:"payload"`
	LastError       string          `json:"lastError,omitempty"`
	RunAt           time.Time       `json:"runAt"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// CanRetry reports whether another attempt fits in the retry budget.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Summary is the listing projection of a Job. It never carries the payload.
type Summary struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Status          Status    `json:"status"`
	StatusUpdatedAt time.Time `json:"statusUpdatedAt"`
	RetryCount      int       `json:"retryCount"`
	MaxRetries      int       `json:"maxRetries"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Created is the response body of a successful create.
type Created struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transition describes a compare-and-swap status change.
type Transition struct {
	ID         string
	From       Status
	To         Status
	RetryCount int
	LastError  string
	RunAt      time.Time
}

type ListOpts struct {
	Limit  int
	Cursor *Cursor
	Status Status
}

type Page struct {
	Jobs       []Summary
	NextCursor *Cursor
}
