package fs

import (
	"path"
	"regexp"
	"strings"
	"time"

	"finrag/internal/domain"
)

var (
	tickerPattern  = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,6}$`)
	compactDateRe  = regexp.MustCompile(`^\d{8}$`)
	knownFormTypes = map[string]string{
		"10-K": "10-K", "10K": "10-K",
		"10-Q": "10-Q", "10Q": "10-Q",
		"8-K": "8-K", "8K": "8-K",
		"20-F": "20-F", "20F": "20-F",
		"6-K": "6-K", "S-1": "S-1",
		"DEF14A": "DEF 14A", "13F": "13F",
	}
	// Directory names that identify the document type.
	docTypeDirs = map[string]string{
		"filings":     "filing",
		"sec":         "filing",
		"news":        "news",
		"transcripts": "transcript",
		"earnings":    "transcript",
		"macro":       "macro",
		"commentary":  "commentary",
		"stocks":      "commentary",
	}
)

// ParseMetadata derives chunk metadata from a walked file. File names
// follow TICKER_FORM_DATE (for example AAPL_10-K_2023-11-03.htm); every
// part is optional and parts may appear in any order after the ticker.
// Dates may be written YYYY-MM-DD or YYYYMMDD.
func ParseMetadata(f FileInfo) domain.Metadata {
	filename := path.Base(f.RelPath)
	md := domain.Metadata{
		Source:   f.RelPath,
		Filename: filename,
	}

	stem := strings.TrimSuffix(filename, path.Ext(filename))
	for i, part := range strings.Split(stem, "_") {
		if part == "" {
			continue
		}
		if d, ok := parseDate(part); ok && md.Date == "" {
			md.Date = d
			continue
		}
		if form, ok := knownFormTypes[strings.ToUpper(part)]; ok && md.FormType == "" {
			md.FormType = form
			continue
		}
		if i == 0 && tickerPattern.MatchString(part) {
			md.Ticker = part
		}
	}

	dir := path.Dir(f.RelPath)
	for dir != "." && dir != "/" && md.DocType == "" {
		if t, ok := docTypeDirs[strings.ToLower(path.Base(dir))]; ok {
			md.DocType = t
		}
		dir = path.Dir(dir)
	}
	if md.DocType == "" {
		if md.FormType != "" {
			md.DocType = "filing"
		} else {
			md.DocType = "document"
		}
	}

	return md
}

func parseDate(s string) (string, bool) {
	if _, err := time.Parse(domain.DateLayout, s); err == nil {
		return s, true
	}
	if compactDateRe.MatchString(s) {
		if t, err := time.Parse("20060102", s); err == nil {
			return t.Format(domain.DateLayout), true
		}
	}
	return "", false
}
