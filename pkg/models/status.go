package models

// PageStatus represents the processing status of a page in the database
type PageStatus string

const (
	PageStatusUnset    PageStatus = ""          // Zero value = unset/unknown
	PageStatusPending  PageStatus = "pending"   // Page queued but not processed
	PageStatusSuccess  PageStatus = "success"   // Page processed successfully
	PageStatusFailure  PageStatus = "failure"   // Page processing failed
	PageStatusNotFound PageStatus = "not_found" // Page not in database
	PageStatusDBError  PageStatus = "db_error"  // Database error occurred
)

// String implements fmt.Stringer for logging
func (s PageStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s PageStatus) IsValid() bool {
	switch s {
	case PageStatusPending, PageStatusSuccess, PageStatusFailure:
		return true
	}
	return false
}

// TaskState is the lifecycle state of a task. The zero value is running,
// which is also what an unknown task reports.
type TaskState int

const (
	StateRunning TaskState = iota
	StatePaused
	StateSoftCancel
	StateHardCancel
)

// String implements fmt.Stringer for logging
func (s TaskState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateSoftCancel:
		return "soft_cancel"
	case StateHardCancel:
		return "hard_cancel"
	}
	return "unknown"
}

// Cancelled reports whether s is either cancel mode.
func (s TaskState) Cancelled() bool {
	return s >= StateSoftCancel
}
