package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/domain"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestWalkerIncludeExclude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "filings/AAPL_10-K_2023-11-03.htm", "<p>x</p>")
	writeFile(t, root, "news/2024-01-05_fed.json", "{}")
	writeFile(t, root, "notes.txt", "x")
	writeFile(t, root, "image.png", "x")
	writeFile(t, root, ".git/HEAD.txt", "x")
	writeFile(t, root, ".finrag/cache.txt", "x")

	w := NewWalker(
		[]string{"**/*.txt", "**/*.htm", "**/*.json"},
		[]string{"**/.git/**", "**/.finrag/**"},
	)
	files, err := w.Walk(root)
	require.NoError(t, err)

	var rel []string
	for _, f := range files {
		rel = append(rel, f.RelPath)
		assert.True(t, filepath.IsAbs(f.Path))
		assert.Positive(t, f.Size)
	}
	assert.Equal(t, []string{"filings/AAPL_10-K_2023-11-03.htm", "news/2024-01-05_fed.json", "notes.txt"}, rel)
}

func TestWalkerSingleFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "MSFT_10-Q_2023-10-24.txt", "x")

	files, err := NewWalker(nil, nil).Walk(filepath.Join(root, "MSFT_10-Q_2023-10-24.txt"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "MSFT_10-Q_2023-10-24.txt", files[0].RelPath)

	_, err = NewWalker(nil, nil).Walk(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		rel  string
		want domain.Metadata
	}{
		{
			"filings/AAPL_10-K_2023-11-03.htm",
			domain.Metadata{Source: "filings/AAPL_10-K_2023-11-03.htm", Filename: "AAPL_10-K_2023-11-03.htm",
				Ticker: "AAPL", FormType: "10-K", Date: "2023-11-03", DocType: "filing"},
		},
		{
			"MSFT_10q_20231024.txt",
			domain.Metadata{Source: "MSFT_10q_20231024.txt", Filename: "MSFT_10q_20231024.txt",
				Ticker: "MSFT", FormType: "10-Q", Date: "2023-10-24", DocType: "filing"},
		},
		{
			"data/transcripts/NVDA_2024-02-21_call.txt",
			domain.Metadata{Source: "data/transcripts/NVDA_2024-02-21_call.txt", Filename: "NVDA_2024-02-21_call.txt",
				Ticker: "NVDA", Date: "2024-02-21", DocType: "transcript"},
		},
		{
			"news/2024-01-05_fed.json",
			domain.Metadata{Source: "news/2024-01-05_fed.json", Filename: "2024-01-05_fed.json",
				Date: "2024-01-05", DocType: "news"},
		},
		{
			"readme.md",
			domain.Metadata{Source: "readme.md", Filename: "readme.md", DocType: "document"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.rel, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseMetadata(FileInfo{RelPath: tc.rel}))
		})
	}
}
