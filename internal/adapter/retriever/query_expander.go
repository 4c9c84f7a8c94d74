package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"finrag/internal/domain"
	"finrag/internal/port"
)

// termExpansion maps a financial term or abbreviation to related phrasings.
type termExpansion struct {
	term       string
	expansions []string
	pattern    *regexp.Regexp
}

// financialTerms is ordered so that refinement output is deterministic.
var financialTerms = compileTerms([]termExpansion{
	{term: "rev", expansions: []string{"revenue"}},
	{term: "revenue", expansions: []string{"sales", "net sales"}},
	{term: "sales", expansions: []string{"revenue"}},
	{term: "eps", expansions: []string{"earnings per share"}},
	{term: "earnings", expansions: []string{"net income", "profit"}},
	{term: "profit", expansions: []string{"net income", "earnings"}},
	{term: "net income", expansions: []string{"earnings"}},
	{term: "ebitda", expansions: []string{"operating income"}},
	{term: "fcf", expansions: []string{"free cash flow"}},
	{term: "capex", expansions: []string{"capital expenditures"}},
	{term: "opex", expansions: []string{"operating expenses"}},
	{term: "cogs", expansions: []string{"cost of goods sold"}},
	{term: "r&d", expansions: []string{"research and development"}},
	{term: "m&a", expansions: []string{"mergers and acquisitions"}},
	{term: "p/e", expansions: []string{"price to earnings"}},
	{term: "10-k", expansions: []string{"annual report"}},
	{term: "10-q", expansions: []string{"quarterly report"}},
	{term: "8-k", expansions: []string{"current report"}},
	{term: "guidance", expansions: []string{"outlook", "forecast"}},
	{term: "outlook", expansions: []string{"guidance"}},
	{term: "margin", expansions: []string{"profitability"}},
	{term: "debt", expansions: []string{"borrowings", "liabilities"}},
	{term: "buyback", expansions: []string{"share repurchase"}},
	{term: "dividend", expansions: []string{"payout"}},
	{term: "yoy", expansions: []string{"year over year"}},
	{term: "qoq", expansions: []string{"quarter over quarter"}},
	{term: "risks", expansions: []string{"risk factors"}},
	{term: "gdp", expansions: []string{"gross domestic product"}},
	{term: "cpi", expansions: []string{"consumer price index", "inflation"}},
	{term: "fed", expansions: []string{"federal reserve"}},
})

func compileTerms(terms []termExpansion) []termExpansion {
	for i := range terms {
		terms[i].pattern = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(terms[i].term) + `\b`)
	}
	return terms
}

// Uppercase words that look like tickers but are not.
var notTickers = map[string]struct{}{
	"CEO": {}, "CFO": {}, "EPS": {}, "GDP": {}, "CPI": {}, "USD": {}, "US": {},
	"YOY": {}, "QOQ": {}, "ETF": {}, "IPO": {}, "SEC": {}, "FCF": {}, "AI": {},
}

var comparisonPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9.]{1,5})\s+(?:and|vs\.?|versus|with)\s+([A-Z][A-Z0-9.]{1,5})\b`)

var comparePrefix = regexp.MustCompile(`(?i)^(compare|comparing|contrast)\s+`)

// QueryRefiner normalizes and broadens user questions before retrieval.
// The LLM is optional; without it only the static term table is used.
type QueryRefiner struct {
	llm    port.LLM
	logger *slog.Logger
}

func NewQueryRefiner(llm port.LLM, logger *slog.Logger) *QueryRefiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryRefiner{llm: llm, logger: logger}
}

// Refine collapses whitespace and appends expansion terms for every known
// financial term in the query. The normalized query is always a prefix of
// the result.
func (r *QueryRefiner) Refine(query string) (string, error) {
	normalized := normalizeQuery(query)
	if normalized == "" {
		return "", domain.ErrEmptyQuery
	}

	lower := strings.ToLower(normalized)
	var extra []string
	added := make(map[string]struct{})
	for _, te := range financialTerms {
		if !te.pattern.MatchString(normalized) {
			continue
		}
		for _, exp := range te.expansions {
			if strings.Contains(lower, exp) {
				continue
			}
			if _, ok := added[exp]; ok {
				continue
			}
			added[exp] = struct{}{}
			extra = append(extra, exp)
		}
	}

	if len(extra) == 0 {
		return normalized, nil
	}
	return normalized + " " + strings.Join(extra, " "), nil
}

// MultiQueries returns the query followed by up to max-1 reformulations.
// Static substitutions come first, then LLM rewrites when an LLM is set.
// An LLM failure only limits the list.
func (r *QueryRefiner) MultiQueries(ctx context.Context, query string, max int) ([]string, error) {
	normalized := normalizeQuery(query)
	if normalized == "" {
		return nil, domain.ErrEmptyQuery
	}
	if max < 1 {
		max = 1
	}

	queries := []string{normalized}
	seen := map[string]struct{}{strings.ToLower(normalized): {}}
	add := func(q string) bool {
		q = normalizeQuery(q)
		if q == "" {
			return len(queries) < max
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			return len(queries) < max
		}
		seen[key] = struct{}{}
		queries = append(queries, q)
		return len(queries) < max
	}

	if len(queries) >= max {
		return queries, nil
	}

	for _, te := range financialTerms {
		if !te.pattern.MatchString(normalized) {
			continue
		}
		for _, exp := range te.expansions {
			if !add(te.pattern.ReplaceAllLiteralString(normalized, exp)) {
				return queries, nil
			}
		}
	}

	if r.llm == nil {
		return queries, nil
	}

	systemPrompt := `You are a search query rewriting assistant for a financial document search system.
Given a user's question, generate 2-3 alternative phrasings that might match relevant passages in SEC filings, earnings call transcripts, and financial news.
Focus on:
- Accounting and finance synonyms
- How the concept is usually worded in filings
- Company names for tickers and tickers for company names

Output ONLY the alternative queries, one per line. Do not include explanations or numbering.`

	userPrompt := fmt.Sprintf("Original query: %s\n\nGenerate alternative search queries:", normalized)

	response, err := r.llm.GenerateWithSystem(ctx, systemPrompt, userPrompt)
	if err != nil {
		r.logger.Warn("multi-query generation failed", "error", err)
		return queries, nil
	}

	for _, line := range parseListLines(response) {
		if !add(line) {
			break
		}
	}

	return queries, nil
}

// Decompose splits a compound question into sub-questions. It always
// returns at least one element, the normalized question when nothing
// splits.
func (r *QueryRefiner) Decompose(ctx context.Context, query string) ([]string, error) {
	normalized := normalizeQuery(query)
	if normalized == "" {
		return nil, domain.ErrEmptyQuery
	}

	var parts []string
	for _, part := range splitQuestions(normalized) {
		parts = append(parts, splitComparison(part)...)
	}
	if len(parts) > 1 {
		return parts, nil
	}

	if r.llm == nil {
		return []string{normalized}, nil
	}

	systemPrompt := `You split complex financial questions into simpler sub-questions that can each be answered from a single document.
If the question is already simple, output it unchanged.
Output ONLY the sub-questions, one per line, at most 4. Do not include explanations or numbering.`

	response, err := r.llm.GenerateWithSystem(ctx, systemPrompt, normalized)
	if err != nil {
		r.logger.Warn("query decomposition failed", "error", err)
		return []string{normalized}, nil
	}

	subs := parseListLines(response)
	if len(subs) < 2 {
		return []string{normalized}, nil
	}
	if len(subs) > 4 {
		subs = subs[:4]
	}
	return subs, nil
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

// splitQuestions splits on question marks and semicolons, keeping the
// question mark on each question.
func splitQuestions(q string) []string {
	var parts []string
	var b strings.Builder
	flush := func(suffix string) {
		s := strings.TrimSpace(b.String())
		b.Reset()
		if s != "" {
			parts = append(parts, s+suffix)
		}
	}
	for _, ch := range q {
		switch ch {
		case '?':
			flush("?")
		case ';':
			flush("")
		default:
			b.WriteRune(ch)
		}
	}
	flush("")
	if len(parts) == 0 {
		return []string{q}
	}
	return parts
}

// splitComparison turns "compare revenue for AAPL and MSFT" into one
// question per ticker.
func splitComparison(q string) []string {
	m := comparisonPattern.FindStringSubmatchIndex(q)
	if m == nil {
		return []string{q}
	}
	first, second := q[m[2]:m[3]], q[m[4]:m[5]]
	if first == second || isNotTicker(first) || isNotTicker(second) {
		return []string{q}
	}

	base := comparePrefix.ReplaceAllString(q, "")
	offset := len(q) - len(base)
	start, end := m[0]-offset, m[1]-offset
	if start < 0 {
		return []string{q}
	}

	out := make([]string, 0, 2)
	for _, ticker := range []string{first, second} {
		sub := normalizeQuery(base[:start] + ticker + base[end:])
		out = append(out, capitalize(sub))
	}
	return out
}

func isNotTicker(s string) bool {
	_, ok := notTickers[s]
	return ok
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// parseListLines extracts one item per line from an LLM list response,
// dropping bullets, numbering and label lines.
func parseListLines(response string) []string {
	var out []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = strings.TrimLeft(line, "0123456789.) ")
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		out = append(out, line)
	}
	return out
}
