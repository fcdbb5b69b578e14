package state

import "strings"

// Status is the execution status of a run, job, task, or step. The integer
// values are the persisted and transmitted wire codes; they must not be
// reordered.
type Status int

const (
	StatusUnknown Status = iota
	StatusSuccess
	StatusFailure
	StatusCancelled
	StatusSkipped
	StatusWaiting
	StatusRunning
	StatusBlocked
)

var statusNames = map[Status]string{
	StatusUnknown:   "unknown",
	StatusSuccess:   "success",
	StatusFailure:   "failure",
	StatusCancelled: "cancelled",
	StatusSkipped:   "skipped",
	StatusWaiting:   "waiting",
	StatusRunning:   "running",
	StatusBlocked:   "blocked",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsDone reports whether the status is terminal.
func (s Status) IsDone() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsActive reports whether the entity is still pending or executing.
func (s Status) IsActive() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusBlocked:
		return true
	default:
		return false
	}
}

// HasRun reports whether an attempt actually executed, as opposed to being
// skipped or cancelled before it started.
func (s Status) HasRun() bool {
	return s == StatusSuccess || s == StatusFailure
}

// CanStart reports whether a transition to Running is legal from this status.
func (s Status) CanStart() bool {
	return s == StatusWaiting || s == StatusBlocked
}

// StatusFromCode decodes a persisted status code. Out-of-range codes decode
// to Unknown so that readers of newer data keep working.
func StatusFromCode(code int) Status {
	if code < int(StatusUnknown) || code > int(StatusBlocked) {
		return StatusUnknown
	}
	return Status(code)
}

// ParseStatus maps a status string to a Status, accepting the documented
// aliases case-insensitively. Unrecognized input yields Unknown.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success":
		return StatusSuccess
	case "failure", "failed":
		return StatusFailure
	case "cancelled", "canceled":
		return StatusCancelled
	case "skipped":
		return StatusSkipped
	case "waiting", "queued", "pending":
		return StatusWaiting
	case "running", "in_progress":
		return StatusRunning
	case "blocked":
		return StatusBlocked
	default:
		return StatusUnknown
	}
}

// Aggregate derives a parent status from its children, first match wins:
// active states dominate so a parent never reports done while a child is
// still working; among done states, failure and cancellation dominate
// success; an all-skipped set stays Skipped so "nothing ran" is
// distinguishable from "everything passed".
func Aggregate(children []Status) Status {
	if len(children) == 0 {
		return StatusUnknown
	}

	var hasFailure, hasCancelled, allSkipped, allDone bool
	allSkipped = true
	allDone = true
	for _, child := range children {
		switch child {
		case StatusRunning:
			return StatusRunning
		case StatusFailure:
			hasFailure = true
		case StatusCancelled:
			hasCancelled = true
		}
		if child != StatusSkipped {
			allSkipped = false
		}
		if child != StatusSuccess && child != StatusSkipped {
			allDone = false
		}
	}

	for _, child := range children {
		if child == StatusBlocked {
			return StatusBlocked
		}
	}
	for _, child := range children {
		if child == StatusWaiting {
			return StatusWaiting
		}
	}

	switch {
	case hasFailure:
		return StatusFailure
	case hasCancelled:
		return StatusCancelled
	case allSkipped:
		return StatusSkipped
	case allDone:
		return StatusSuccess
	default:
		return StatusUnknown
	}
}
