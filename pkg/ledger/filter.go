package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/common-fate/clio"
)

// Filter selects requests. Every predicate is optional; a request matches when
// it satisfies all of the predicates that are set.
type Filter struct {
	Status Status
	// ToolName matches as a case-insensitive substring.
	ToolName string
	// UserEmail matches the requester email exactly, ignoring case.
	UserEmail string
	// Group matches requests whose membership snapshot contains the group.
	Group string
	// CreatedAfter and CreatedBefore are inclusive bounds.
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// Ignored lists the raw predicates ParseFilter could not parse and left out.
	Ignored []string
}

// Match reports whether r satisfies every predicate set on f.
func (f Filter) Match(r Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ToolName != "" && !strings.Contains(strings.ToLower(r.ToolName), strings.ToLower(f.ToolName)) {
		return false
	}
	if f.UserEmail != "" && !strings.EqualFold(r.Requester.Email, f.UserEmail) {
		return false
	}
	if f.Group != "" && !contains(r.Requester.Groups, f.Group) {
		return false
	}
	if f.CreatedAfter != nil && r.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && r.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Apply returns the requests matching f, most recent first.
func Apply(requests []Request, f Filter) []Request {
	out := []Request{}
	for _, r := range requests {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders requests by creation time, most recent first. Ties
// are broken by id so the order is stable across stores.
func SortNewestFirst(requests []Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		a, b := requests[i], requests[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// RawFilter is a filter as received from a user, with every field a string.
type RawFilter struct {
	Status        string
	ToolName      string
	UserEmail     string
	Group         string
	CreatedAfter  string
	CreatedBefore string
}

const dateOnly = "2006-01-02"

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// ParseFilter converts a raw filter. An unknown status is an error. A date
// bound which can't be parsed is left out of the filter with a warning, and
// recorded in Ignored, so the remaining predicates still apply. A date-only
// bound covers the whole UTC day.
func ParseFilter(raw RawFilter) (Filter, error) {
	f := Filter{
		Status:    Status(strings.ToLower(strings.TrimSpace(raw.Status))),
		ToolName:  strings.TrimSpace(raw.ToolName),
		UserEmail: strings.TrimSpace(raw.UserEmail),
		Group:     strings.TrimSpace(raw.Group),
	}
	if f.Status != "" && !f.Status.Valid() {
		return Filter{}, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, raw.Status)
	}

	if raw.CreatedAfter != "" {
		if t, ok := parseBound(raw.CreatedAfter, false); ok {
			f.CreatedAfter = &t
		} else {
			clio.Warnf("ignoring created_after filter %q: expected a date like 2006-01-02 or an RFC3339 timestamp", raw.CreatedAfter)
			f.Ignored = append(f.Ignored, "created_after="+raw.CreatedAfter)
		}
	}
	if raw.CreatedBefore != "" {
		if t, ok := parseBound(raw.CreatedBefore, true); ok {
			f.CreatedBefore = &t
		} else {
			clio.Warnf("ignoring created_before filter %q: expected a date like 2006-01-02 or an RFC3339 timestamp", raw.CreatedBefore)
			f.Ignored = append(f.Ignored, "created_before="+raw.CreatedBefore)
		}
	}
	return f, nil
}

// parseBound parses a date bound. For an upper bound a date-only value is
// extended to the last instant of the day.
func parseBound(s string, upper bool) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(dateOnly, s, time.UTC); err == nil {
		if upper {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return t, true
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
