package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"

	"finrag/internal/domain"
	"finrag/internal/port"
)

// TextChunker splits document text into windows of at most maxTokens
// tokens. Consecutive windows share about overlap tokens of trailing text.
// Window boundaries fall on lines, then sentences, then words.
type TextChunker struct {
	maxTokens int
	overlap   int
	counter   port.TokenCounter
	tokenizer port.Tokenizer
}

func NewTextChunker(maxTokens, overlap int, counter port.TokenCounter, tokenizer port.Tokenizer) *TextChunker {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	if overlap < 0 || overlap >= maxTokens {
		overlap = 0
	}
	return &TextChunker{
		maxTokens: maxTokens,
		overlap:   overlap,
		counter:   counter,
		tokenizer: tokenizer,
	}
}

// Chunk splits content into chunks carrying base metadata. ChunkIndex runs
// from 0 and IDs are derived from the source and index.
func (c *TextChunker) Chunk(base domain.Metadata, content string) []domain.Chunk {
	segments := c.segments(content)
	if len(segments) == 0 {
		return nil
	}

	counts := make([]int, len(segments))
	for i, s := range segments {
		counts[i] = c.counter.CountTokens(s)
	}

	var chunks []domain.Chunk
	start := 0

	for start < len(segments) {
		end := start
		currentTokens := 0

		for end < len(segments) {
			if currentTokens > 0 && currentTokens+counts[end] > c.maxTokens {
				break
			}
			currentTokens += counts[end]
			end++
		}
		if end == start {
			end++
		}

		text := strings.Join(segments[start:end], "\n")
		md := base
		md.Custom = maps.Clone(base.Custom)
		md.ChunkIndex = len(chunks)

		chunks = append(chunks, domain.Chunk{
			ID:       ChunkID(base.Source, md.ChunkIndex),
			Text:     text,
			Metadata: md,
			Tokens:   c.tokenizer.Tokenize(text),
		})

		if end >= len(segments) {
			break
		}

		newStart := end - c.overlapSegments(counts, start, end)
		if newStart <= start {
			newStart = start + 1
		}
		start = newStart
	}

	return chunks
}

func (c *TextChunker) overlapSegments(counts []int, start, end int) int {
	if c.overlap == 0 {
		return 0
	}

	n := 0
	tokens := 0
	for i := end - 1; i > start && tokens < c.overlap; i-- {
		tokens += counts[i]
		n++
	}
	return n
}

// segments breaks content into non-empty units that each fit in one chunk.
func (c *TextChunker) segments(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if c.counter.CountTokens(line) <= c.maxTokens {
			out = append(out, line)
			continue
		}
		for _, sentence := range splitSentences(line) {
			if c.counter.CountTokens(sentence) <= c.maxTokens {
				out = append(out, sentence)
				continue
			}
			out = append(out, c.splitWords(sentence)...)
		}
	}
	return out
}

func (c *TextChunker) splitWords(text string) []string {
	var out []string
	var b strings.Builder
	for _, word := range strings.Fields(text) {
		if b.Len() > 0 && c.counter.CountTokens(b.String()+" "+word) > c.maxTokens {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// splitSentences splits after '.', '?' or '!' followed by a space. Decimal
// figures such as "4.2" are left intact.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '?', '!':
			if text[i+1] == ' ' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// ChunkID is the stable id of the index-th chunk of source. Neighbour
// lookups rely on it.
func ChunkID(source string, index int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", source, index)))
	return hex.EncodeToString(hash[:12])
}
