package model

// DownloadStatus is the lifecycle state of a message or an attachment.
// The integer values are persisted; do not reorder.
type DownloadStatus int

const (
	StatusUnknown DownloadStatus = iota
	StatusLoading
	StatusLoaded
	StatusDraft
	StatusSending
	StatusSoftError
	StatusHardError
)

// String returns the lower-case label for the status.
func (s DownloadStatus) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusDraft:
		return "draft"
	case StatusSending:
		return "sending"
	case StatusSoftError:
		return "soft_error"
	case StatusHardError:
		return "hard_error"
	default:
		return "unknown"
	}
}

// IsUnsent reports whether the status belongs to a locally composed message
// that has not been confirmed by the server yet.
func (s DownloadStatus) IsUnsent() bool {
	return s == StatusDraft || s == StatusSending
}
