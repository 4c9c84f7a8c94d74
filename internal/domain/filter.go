package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the only date format accepted in metadata and filters.
const DateLayout = "2006-01-02"

// DateRange bounds chunk dates. Either side may be empty.
type DateRange struct {
	From string
	To   string
}

// KV is an extra metadata equality condition.
type KV struct {
	Key   string
	Value string
}

// Filter is the per-query retrieval filter. Conditions combine with AND.
type Filter struct {
	Ticker    string
	FormType  string
	DocType   string
	DateRange *DateRange
	Contains  string
	Custom    []KV
}

// IsZero reports whether the filter has no conditions at all.
func (f Filter) IsZero() bool {
	return f.Ticker == "" && f.FormType == "" && f.DocType == "" &&
		(f.DateRange == nil || (f.DateRange.From == "" && f.DateRange.To == "")) &&
		f.Contains == "" && len(f.Custom) == 0
}

// Validate rejects malformed filter values.
func (f Filter) Validate() error {
	if f.Ticker != "" && !validTicker(f.Ticker) {
		return fmt.Errorf("%w: ticker %q", ErrInvalidFilter, f.Ticker)
	}
	if f.DateRange != nil {
		var from, to time.Time
		var err error
		if f.DateRange.From != "" {
			if from, err = time.Parse(DateLayout, f.DateRange.From); err != nil {
				return fmt.Errorf("%w: date_from %q is not YYYY-MM-DD", ErrInvalidFilter, f.DateRange.From)
			}
		}
		if f.DateRange.To != "" {
			if to, err = time.Parse(DateLayout, f.DateRange.To); err != nil {
				return fmt.Errorf("%w: date_to %q is not YYYY-MM-DD", ErrInvalidFilter, f.DateRange.To)
			}
		}
		if !from.IsZero() && !to.IsZero() && from.After(to) {
			return fmt.Errorf("%w: date_from %s is after date_to %s", ErrInvalidFilter, f.DateRange.From, f.DateRange.To)
		}
	}
	seen := make(map[string]struct{}, len(f.Custom))
	for _, kv := range f.Custom {
		if strings.TrimSpace(kv.Key) == "" {
			return fmt.Errorf("%w: empty metadata key", ErrInvalidFilter)
		}
		if _, dup := seen[kv.Key]; dup {
			return fmt.Errorf("%w: duplicate metadata key %q", ErrInvalidFilter, kv.Key)
		}
		seen[kv.Key] = struct{}{}
	}
	return nil
}

// NormalizeTicker upper-cases and trims a ticker symbol.
func NormalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

func validTicker(t string) bool {
	if len(t) > 12 {
		return false
	}
	for _, r := range t {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}
