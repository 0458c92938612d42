package model

import (
	"time"
)

// Status is the lifecycle state of a Record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is success or failed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether a record may move from s to next.
// Status only moves forward: pending -> processing -> success|failed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusSuccess || next == StatusFailed
	}
	return false
}

// Record is one journaled attempt to parse a source file into customer fields.
// Exactly one of SourceFileID or AttachmentHandle references the raw bytes.
type Record struct {
	ID               string     `json:"id"`
	Filename         string     `json:"filename"`
	Status           Status     `json:"status"`
	Sender           string     `json:"sender,omitempty"`
	Strategy         string     `json:"strategy,omitempty"`
	Fields           Fields     `json:"fields"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	SourceFileID     *string    `json:"source_file_id,omitempty"`
	AttachmentHandle *string    `json:"attachment_handle,omitempty"`
	CustomerID       *string    `json:"customer_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DiscardedAt      *time.Time `json:"discarded_at,omitempty"`
}

// Outcome carries what a processing attempt learned, success or not.
type Outcome struct {
	Sender   string
	Strategy string
	Fields   Fields
}

// StatusCounts maps each status to a row count.
type StatusCounts map[Status]int
