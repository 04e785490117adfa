package domain

import "time"

type ImageStatus string

const (
	// StatusPending is the schema default. The write path never produces it;
	// records are created directly in StatusProcessing.
	StatusPending    ImageStatus = "pending"
	StatusProcessing ImageStatus = "processing"
	StatusCompleted  ImageStatus = "completed"
	StatusFailed     ImageStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s ImageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ImageKind selects which blob of a record to fetch.
type ImageKind string

const (
	KindOriginal  ImageKind = "original"
	KindGenerated ImageKind = "generated"
)

// ImageRecord is one upload-to-result lifecycle.
type ImageRecord struct {
	ID        int64       `json:"id"`
	Status    ImageStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// StatusInfo is what the status endpoint reports about a record.
type StatusInfo struct {
	Status            ImageStatus `json:"status"`
	HasGeneratedImage bool        `json:"has_generated_image"`
}
