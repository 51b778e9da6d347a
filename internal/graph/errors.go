package graph

import "errors"

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrFetchFailed          = errors.New("fetch failed")
	ErrValidationRejected   = errors.New("validation rejected")
	ErrTransportInterrupted = errors.New("transport interrupted")
	ErrNotFound             = errors.New("not found")
)

// UserMessage converts an error into the short text shown in a toast or banner.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "Please sign in again to see your graph."
	case errors.Is(err, ErrValidationRejected):
		return "That change was not accepted."
	case errors.Is(err, ErrTransportInterrupted):
		return "Live updates paused. Reload to catch up."
	case errors.Is(err, ErrNotFound):
		return "That item no longer exists."
	default:
		return "Something went wrong. Please try again."
	}
}
