package model

import "time"

// SourceFile is the content-addressed storage of one uploaded raw message.
type SourceFile struct {
	ID           string     `json:"id"`
	Handle       string     `json:"handle"`
	Filename     string     `json:"filename"`
	ByteSize     int64      `json:"byte_size"`
	ContentType  string     `json:"content_type"`
	Checksum     string     `json:"checksum"`
	Sender       string     `json:"sender,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	OriginalDate *time.Time `json:"original_date,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DiscardedAt  *time.Time `json:"discarded_at,omitempty"`
}

// MessageMetadata is backfilled onto a SourceFile once a record parses it.
type MessageMetadata struct {
	Sender       string
	Subject      string
	OriginalDate *time.Time
}
