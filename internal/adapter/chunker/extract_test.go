package chunker

import (
	"strings"
	"testing"
)

func TestExtractTextHTML(t *testing.T) {
	doc := `<html><head><title>10-K</title><style>p{color:red}</style></head>
<body><h1>Item 7.</h1><p>Net sales were <b>$383.3</b>&nbsp;billion.</p>
<script>var x = 1;</script><table><tr><td>iPhone</td><td>200.6</td></tr></table></body></html>`

	text, err := ExtractText("filings/AAPL_10-K.htm", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(text, "color:red") || strings.Contains(text, "var x") || strings.Contains(text, "<") {
		t.Errorf("markup leaked into text: %q", text)
	}
	if !strings.Contains(text, "Net sales were $383.3 billion.") {
		t.Errorf("paragraph text not extracted: %q", text)
	}
	if !strings.Contains(text, "Item 7.") || !strings.Contains(text, "iPhone") {
		t.Errorf("heading or table text missing: %q", text)
	}
}

func TestExtractTextJSON(t *testing.T) {
	doc := `[{"title":"Apple beats estimates","content":"Revenue rose 8%.","url":"https://example.com"},
{"headline":"Fed holds rates","body":"The committee kept rates unchanged."}]`

	text, err := ExtractText("news/2024-01-05.json", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	want := "Apple beats estimates\n\nRevenue rose 8%.\n\nFed holds rates\n\nThe committee kept rates unchanged."
	if text != want {
		t.Errorf("got %q, want %q", text, want)
	}

	raw, err := ExtractText("data.json", []byte(`{"price": 12.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if raw != `{"price": 12.5}` {
		t.Errorf("JSON without text fields should pass through, got %q", raw)
	}
}

func TestExtractTextPlain(t *testing.T) {
	text, err := ExtractText("notes.txt", []byte("  Gross   margin\r\n\r\n\r\n\r\nwas 45%  "))
	if err != nil {
		t.Fatal(err)
	}
	if text != "Gross margin\n\nwas 45%" {
		t.Errorf("got %q", text)
	}

	// NFKC folds ligatures and full-width digits.
	text, _ = ExtractText("notes.md", []byte("ﬁscal ２０２３"))
	if text != "fiscal 2023" {
		t.Errorf("got %q", text)
	}
}
