package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"finrag/internal/domain"
	"finrag/internal/filter"
)

// filterFlags are the retrieval filter options shared by ask, search and
// prompt.
type filterFlags struct {
	ticker   string
	formType string
	docType  string
	dateFrom string
	dateTo   string
	contains string
	metadata []string
	raw      string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ticker, "ticker", "", "only chunks of this ticker (e.g. AAPL)")
	cmd.Flags().StringVar(&f.formType, "form", "", "only this form type (e.g. 10-K, 10-Q, 8-K)")
	cmd.Flags().StringVar(&f.docType, "type", "", "only this document type (filing, news, transcript, macro, commentary)")
	cmd.Flags().StringVar(&f.dateFrom, "from", "", "earliest document date, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.dateTo, "to", "", "latest document date, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.contains, "contains", "", "only chunks whose text contains this phrase")
	cmd.Flags().StringArrayVar(&f.metadata, "meta", nil, "extra metadata condition key=value (repeatable)")
	cmd.Flags().StringVar(&f.raw, "filter", "", `filter as JSON, e.g. '{"ticker":"AAPL","date_from":"2023-01-01"}'`)
}

// build merges the JSON filter with the individual flags, flags winning.
func (f *filterFlags) build() (domain.Filter, error) {
	in := make(map[string]any)
	if strings.TrimSpace(f.raw) != "" {
		if err := json.Unmarshal([]byte(f.raw), &in); err != nil {
			return domain.Filter{}, fmt.Errorf("%w: --filter is not a JSON object: %v", domain.ErrInvalidFilter, err)
		}
	}

	set := func(key, value string) {
		if value != "" {
			in[key] = value
		}
	}
	set(filter.KeyTicker, f.ticker)
	set(filter.KeyFormType, f.formType)
	set(filter.KeyDocumentType, f.docType)
	set(filter.KeyDateFrom, f.dateFrom)
	set(filter.KeyDateTo, f.dateTo)
	set(filter.KeyContains, f.contains)

	if len(f.metadata) > 0 {
		meta := make(map[string]any)
		if existing, ok := in[filter.KeyMetadata].(map[string]any); ok {
			for k, v := range existing {
				meta[k] = v
			}
		}
		for _, kv := range f.metadata {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return domain.Filter{}, fmt.Errorf("%w: --meta %q is not key=value", domain.ErrInvalidFilter, kv)
			}
			meta[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		in[filter.KeyMetadata] = meta
	}

	return filter.ParseFilter(in)
}
