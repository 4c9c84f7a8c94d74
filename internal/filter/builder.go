package filter

import (
	"fmt"
	"sort"
	"strings"

	"finrag/internal/domain"
)

// Keys accepted by ParseFilter.
const (
	KeyTicker       = "ticker"
	KeyFormType     = "form_type"
	KeyDocumentType = "document_type"
	KeyDateFrom     = "date_from"
	KeyDateTo       = "date_to"
	KeyMetadata     = "metadata"
	KeyContains     = "contains"
)

// BuildWhere translates a filter into a metadata where clause. It returns nil
// when the filter has no metadata conditions. One condition is returned as a
// bare comparison; two or more are wrapped in $and.
func BuildWhere(f domain.Filter) *Clause {
	var conds []Clause
	if f.Ticker != "" {
		conds = append(conds, Eq(domain.KeyTicker, f.Ticker))
	}
	if f.FormType != "" {
		conds = append(conds, Eq(domain.KeyFormType, f.FormType))
	}
	if f.DocType != "" {
		conds = append(conds, Eq(domain.KeyDocType, f.DocType))
	}
	if f.DateRange != nil {
		if f.DateRange.From != "" {
			conds = append(conds, Gte(domain.KeyDate, f.DateRange.From))
		}
		if f.DateRange.To != "" {
			conds = append(conds, Lte(domain.KeyDate, f.DateRange.To))
		}
	}
	for _, kv := range f.Custom {
		conds = append(conds, Eq(kv.Key, kv.Value))
	}

	switch len(conds) {
	case 0:
		return nil
	case 1:
		return &conds[0]
	default:
		c := And(conds...)
		return &c
	}
}

// BuildWhereDocument returns the containment clause on chunk text, or nil.
func BuildWhereDocument(f domain.Filter) *Clause {
	if strings.TrimSpace(f.Contains) == "" {
		return nil
	}
	c := Contains(f.Contains)
	return &c
}

// ParseFilter converts a literal filter mapping into a validated Filter.
// Unknown keys are rejected.
func ParseFilter(in map[string]any) (domain.Filter, error) {
	var f domain.Filter
	for key, raw := range in {
		switch key {
		case KeyTicker, KeyFormType, KeyDocumentType, KeyDateFrom, KeyDateTo, KeyContains:
			s, ok := raw.(string)
			if !ok {
				return domain.Filter{}, fmt.Errorf("%w: %s must be a string, got %T", domain.ErrInvalidFilter, key, raw)
			}
			s = strings.TrimSpace(s)
			switch key {
			case KeyTicker:
				f.Ticker = domain.NormalizeTicker(s)
			case KeyFormType:
				f.FormType = s
			case KeyDocumentType:
				f.DocType = s
			case KeyDateFrom:
				f.DateRange = ensureRange(f.DateRange)
				f.DateRange.From = s
			case KeyDateTo:
				f.DateRange = ensureRange(f.DateRange)
				f.DateRange.To = s
			case KeyContains:
				f.Contains = s
			}
		case KeyMetadata:
			custom, err := parseCustom(raw)
			if err != nil {
				return domain.Filter{}, err
			}
			f.Custom = custom
		default:
			return domain.Filter{}, fmt.Errorf("%w: unknown key %q", domain.ErrInvalidFilter, key)
		}
	}
	if err := f.Validate(); err != nil {
		return domain.Filter{}, err
	}
	return f, nil
}

// BuildWhereFromMap is ParseFilter followed by BuildWhere.
func BuildWhereFromMap(in map[string]any) (*Clause, error) {
	f, err := ParseFilter(in)
	if err != nil {
		return nil, err
	}
	return BuildWhere(f), nil
}

// BuildWhereDocumentFromMap is ParseFilter followed by BuildWhereDocument.
func BuildWhereDocumentFromMap(in map[string]any) (*Clause, error) {
	f, err := ParseFilter(in)
	if err != nil {
		return nil, err
	}
	return BuildWhereDocument(f), nil
}

func ensureRange(r *domain.DateRange) *domain.DateRange {
	if r == nil {
		return &domain.DateRange{}
	}
	return r
}

// parseCustom sorts keys so that clause order is deterministic.
func parseCustom(raw any) ([]domain.KV, error) {
	var m map[string]string
	switch v := raw.(type) {
	case map[string]string:
		m = v
	case map[string]any:
		m = make(map[string]string, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%w: metadata.%s must be a string, got %T", domain.ErrInvalidFilter, k, val)
			}
			m[k] = s
		}
	default:
		return nil, fmt.Errorf("%w: metadata must be a mapping, got %T", domain.ErrInvalidFilter, raw)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.KV{Key: k, Value: m[k]})
	}
	return out, nil
}
