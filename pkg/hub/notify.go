package hub

import (
	"fmt"
	"strings"
)

// FilterKind selects the notification matching rule. The values are the
// wire integers carried in NOTIFY.ADD_FILTER frames.
type FilterKind int

const (
	// FilterMatch accepts a notification whose body equals the filter
	// body exactly.
	FilterMatch FilterKind = 1

	// FilterAction accepts a notification whose body starts with the
	// filter body (byte-wise prefix).
	FilterAction FilterKind = 2

	// FilterPrefix accepts a notification whose leading space-delimited
	// token equals the filter body: the body must be a prefix followed by
	// a space or the end of the string.
	FilterPrefix FilterKind = 3
)

// ParseFilterKind validates a wire integer.
func ParseFilterKind(v int) (FilterKind, error) {
	switch k := FilterKind(v); k {
	case FilterMatch, FilterAction, FilterPrefix:
		return k, nil
	default:
		return 0, fmt.Errorf("unknown filter kind %d", v)
	}
}

// Filter is one (kind, body) pair of a session's notification filter list.
type Filter struct {
	Kind FilterKind
	Body string
}

// Matches evaluates the filter against a notification body.
func (f Filter) Matches(body string) bool {
	switch f.Kind {
	case FilterMatch:
		return body == f.Body
	case FilterAction:
		return strings.HasPrefix(body, f.Body)
	case FilterPrefix:
		if !strings.HasPrefix(body, f.Body) {
			return false
		}
		return len(body) == len(f.Body) || body[len(f.Body)] == ' '
	default:
		return false
	}
}
