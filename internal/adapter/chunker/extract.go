package chunker

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

// Fields read from JSON documents such as saved news articles, in output
// order.
var jsonTextFields = []string{"title", "headline", "summary", "description", "text", "content", "body"}

var (
	spaceRun    = regexp.MustCompile(`[ \t\x{00a0}]+`)
	blankLineRe = regexp.MustCompile(`\n{3,}`)
)

// ExtractText returns the plain text of a document. HTML filings are
// reduced to their visible text and JSON articles to their text fields.
// Output is NFKC-normalized with runs of spaces collapsed.
func ExtractText(path string, data []byte) (string, error) {
	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".htm", ".html":
		t, err := htmlText(bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		text = t
	case ".json":
		text = jsonText(data)
	default:
		text = string(data)
	}
	return cleanText(text), nil
}

func cleanText(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLineRe.ReplaceAllString(text, "\n\n"))
}

func htmlText(r io.Reader) (string, error) {
	var b strings.Builder
	z := html.NewTokenizer(r)
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", err
			}
			return b.String(), nil
		case html.StartTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				skip++
			}
			if isBlock(tok.DataAtom) {
				b.WriteByte('\n')
			} else if tok.DataAtom == atom.Td || tok.DataAtom == atom.Th {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				if skip > 0 {
					skip--
				}
			}
			if isBlock(tok.DataAtom) {
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			if z.Token().DataAtom == atom.Br {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Tr, atom.Li, atom.Table,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Section:
		return true
	}
	return false
}

// jsonText pulls known text fields out of an object or an array of
// objects. Anything else is returned unchanged.
func jsonText(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}

	var parts []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for _, f := range jsonTextFields {
				if s, ok := t[f].(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, s)
				}
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(v)

	if len(parts) == 0 {
		return string(data)
	}
	return strings.Join(parts, "\n\n")
}
