package store

import "petechoes/pkg/domain"

// Store defines persistence for image records and the studio background.
//
// Update methods targeting a missing id affect zero rows and return nil;
// callers that care check existence first. SetResult and SetStatus never
// move a record out of a terminal status.
type Store interface {
	// images
	CreateImage(original []byte) (int64, error)
	SetResult(id int64, generated []byte) error
	SetStatus(id int64, status domain.ImageStatus) error
	SetGenerationParams(id int64, params []byte) error
	GetImage(id int64, kind domain.ImageKind) ([]byte, bool, error)
	GetStatus(id int64) (domain.StatusInfo, bool, error)

	// studio background
	ActiveStudioBackground() ([]byte, bool, error)
	ReplaceStudioBackground(data []byte) error
}
