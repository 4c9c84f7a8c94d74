package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/domain"
)

func TestBuildWhere_Empty(t *testing.T) {
	assert.Nil(t, BuildWhere(domain.Filter{}))
	assert.Nil(t, BuildWhereDocument(domain.Filter{}))

	where, err := BuildWhereFromMap(map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, where)

	whereDoc, err := BuildWhereDocumentFromMap(map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, whereDoc)
}

func TestBuildWhere_SingleCondition(t *testing.T) {
	tests := []struct {
		name  string
		in    map[string]any
		field string
		value string
	}{
		{"ticker", map[string]any{"ticker": "AAPL"}, "ticker", "AAPL"},
		{"form type", map[string]any{"form_type": "10-K"}, "form_type", "10-K"},
		{"document type maps to type", map[string]any{"document_type": "news"}, "type", "news"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			where, err := BuildWhereFromMap(tc.in)
			require.NoError(t, err)
			require.NotNil(t, where)

			assert.Equal(t, OpEq, where.Op)
			assert.Empty(t, where.And, "single condition must not be wrapped in $and")
			assert.Equal(t, tc.field, where.Field)
			assert.Equal(t, tc.value, where.Value)
		})
	}
}

func TestBuildWhere_MultipleConditionsAreConjunctive(t *testing.T) {
	where, err := BuildWhereFromMap(map[string]any{
		"ticker":        "MSFT",
		"form_type":     "10-Q",
		"document_type": "filing",
		"date_from":     "2023-01-01",
		"date_to":       "2023-12-31",
	})
	require.NoError(t, err)
	require.NotNil(t, where)
	require.Equal(t, OpAnd, where.Op)

	assert.ElementsMatch(t, []Clause{
		Eq("ticker", "MSFT"),
		Eq("form_type", "10-Q"),
		Eq("type", "filing"),
		Gte("date", "2023-01-01"),
		Lte("date", "2023-12-31"),
	}, where.Conditions())
}

func TestBuildWhere_DateRange(t *testing.T) {
	from, err := BuildWhereFromMap(map[string]any{"date_from": "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, Gte("date", "2024-01-01"), *from)

	to, err := BuildWhereFromMap(map[string]any{"date_to": "2024-06-30"})
	require.NoError(t, err)
	assert.Equal(t, Lte("date", "2024-06-30"), *to)

	both, err := BuildWhereFromMap(map[string]any{"date_from": "2024-01-01", "date_to": "2024-06-30"})
	require.NoError(t, err)
	assert.Equal(t, And(Gte("date", "2024-01-01"), Lte("date", "2024-06-30")), *both)
}

func TestBuildWhere_CustomMetadata(t *testing.T) {
	where, err := BuildWhereFromMap(map[string]any{
		"ticker":   "nvda",
		"metadata": map[string]any{"sector": "semis", "fiscal_quarter": "Q3"},
	})
	require.NoError(t, err)
	require.NotNil(t, where)

	assert.Equal(t, []Clause{
		Eq("ticker", "NVDA"),
		Eq("fiscal_quarter", "Q3"),
		Eq("sector", "semis"),
	}, where.Conditions())
}

func TestBuildWhereDocument_Contains(t *testing.T) {
	whereDoc, err := BuildWhereDocumentFromMap(map[string]any{"contains": "revenue"})
	require.NoError(t, err)
	require.NotNil(t, whereDoc)
	assert.Equal(t, Contains("revenue"), *whereDoc)

	// contains is not a metadata condition
	where, err := BuildWhereFromMap(map[string]any{"contains": "revenue"})
	require.NoError(t, err)
	assert.Nil(t, where)
}

func TestParseFilter_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
	}{
		{"unknown key", map[string]any{"sector": "tech"}},
		{"non-string ticker", map[string]any{"ticker": 42}},
		{"bad ticker characters", map[string]any{"ticker": "AA PL"}},
		{"bad date", map[string]any{"date_from": "01/02/2023"}},
		{"inverted range", map[string]any{"date_from": "2024-01-01", "date_to": "2023-01-01"}},
		{"metadata not a map", map[string]any{"metadata": "x"}},
		{"metadata non-string value", map[string]any{"metadata": map[string]any{"year": 2023}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFilter(tc.in)
			assert.ErrorIs(t, err, domain.ErrInvalidFilter)
		})
	}
}

func TestClause_MarshalJSON(t *testing.T) {
	where := BuildWhere(domain.Filter{
		Ticker:    "AAPL",
		DateRange: &domain.DateRange{From: "2023-01-01"},
	})
	data, err := json.Marshal(where)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$and":[{"ticker":{"$eq":"AAPL"}},{"date":{"$gte":"2023-01-01"}}]}`, string(data))

	single, err := json.Marshal(BuildWhere(domain.Filter{FormType: "8-K"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"form_type":{"$eq":"8-K"}}`, string(single))

	doc, err := json.Marshal(BuildWhereDocument(domain.Filter{Contains: "guidance"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"$contains":"guidance"}`, string(doc))
}

func TestClause_Match(t *testing.T) {
	md := map[string]string{"ticker": "AAPL", "form_type": "10-K", "date": "2023-11-03"}

	where := BuildWhere(domain.Filter{
		Ticker:    "AAPL",
		DateRange: &domain.DateRange{From: "2023-01-01", To: "2023-12-31"},
	})
	assert.True(t, where.Match(md))

	where = BuildWhere(domain.Filter{Ticker: "MSFT"})
	assert.False(t, where.Match(md))

	where = BuildWhere(domain.Filter{DateRange: &domain.DateRange{To: "2023-06-30"}})
	assert.False(t, where.Match(md))

	where = BuildWhere(domain.Filter{DateRange: &domain.DateRange{From: "2023-01-01"}})
	assert.False(t, where.Match(map[string]string{"ticker": "AAPL"}), "missing date never satisfies a bound")

	var none *Clause
	assert.True(t, none.Match(md))
	assert.True(t, none.MatchDocument("anything"))
}

func TestClause_MatchDocument(t *testing.T) {
	c := BuildWhereDocument(domain.Filter{Contains: "Net Sales"})
	assert.True(t, c.MatchDocument("Total net sales increased 2%"))
	assert.False(t, c.MatchDocument("Operating expenses rose"))
}
