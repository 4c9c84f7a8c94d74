package domain

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Metadata keys as stored in the vector index.
const (
	KeySource     = "source"
	KeyFilename   = "filename"
	KeyTicker     = "ticker"
	KeyFormType   = "form_type"
	KeyDocType    = "type"
	KeyChunkIndex = "chunk_index"
	KeyDate       = "date"
	KeyCompany    = "company"
)

// Metadata describes where a chunk came from.
type Metadata struct {
	Source     string            `json:"source"`
	Filename   string            `json:"filename"`
	Ticker     string            `json:"ticker,omitempty"`
	FormType   string            `json:"form_type,omitempty"`
	DocType    string            `json:"type,omitempty"`
	ChunkIndex int               `json:"chunk_index"`
	Date       string            `json:"date,omitempty"`
	Company    string            `json:"company,omitempty"`
	Custom     map[string]string `json:"custom,omitempty"`
}

// Map flattens the metadata into the key space used by where clauses.
// Custom keys never shadow the well-known ones.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, 8+len(m.Custom))
	for k, v := range m.Custom {
		out[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set(KeySource, m.Source)
	set(KeyFilename, m.Filename)
	set(KeyTicker, m.Ticker)
	set(KeyFormType, m.FormType)
	set(KeyDocType, m.DocType)
	set(KeyDate, m.Date)
	set(KeyCompany, m.Company)
	out[KeyChunkIndex] = strconv.Itoa(m.ChunkIndex)
	return out
}

// MetadataFromMap is the inverse of Metadata.Map.
func MetadataFromMap(in map[string]string) Metadata {
	var m Metadata
	for k, v := range in {
		switch k {
		case KeySource:
			m.Source = v
		case KeyFilename:
			m.Filename = v
		case KeyTicker:
			m.Ticker = v
		case KeyFormType:
			m.FormType = v
		case KeyDocType:
			m.DocType = v
		case KeyDate:
			m.Date = v
		case KeyCompany:
			m.Company = v
		case KeyChunkIndex:
			m.ChunkIndex, _ = strconv.Atoi(v)
		default:
			if m.Custom == nil {
				m.Custom = make(map[string]string)
			}
			m.Custom[k] = v
		}
	}
	return m
}

// Chunk is a bounded segment of a source document, the unit of retrieval.
type Chunk struct {
	ID       string
	Text     string
	Metadata Metadata
	Tokens   []string
}

// ScoredChunk is a chunk with a relevance score. Rank is the position the
// chunk had in the pass that first produced it and is used to break ties.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
	Rank  int
}

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a caller-owned conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Label returns the display form of the role ("User", "Assistant").
func (r Role) Label() string {
	s := strings.TrimSpace(string(r))
	if s == "" {
		return "User"
	}
	first, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(first)) + strings.ToLower(s[size:])
}

// Source is the reduced view of a chunk returned to callers as a citation.
type Source struct {
	Source     string  `json:"source"`
	Filename   string  `json:"filename"`
	Ticker     string  `json:"ticker,omitempty"`
	FormType   string  `json:"form_type,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Date       string  `json:"date,omitempty"`
	Score      float64 `json:"score"`
}

// SourceFromChunk builds a citation; the chunk text is never included.
func SourceFromChunk(sc ScoredChunk) Source {
	md := sc.Chunk.Metadata
	return Source{
		Source:     md.Source,
		Filename:   md.Filename,
		Ticker:     md.Ticker,
		FormType:   md.FormType,
		ChunkIndex: md.ChunkIndex,
		Date:       md.Date,
		Score:      sc.Score,
	}
}

// QueryResult is the answer to one question.
type QueryResult struct {
	Answer     string   `json:"answer"`
	Sources    []Source `json:"sources"`
	ChunksUsed int      `json:"chunks_used"`
	Error      string   `json:"error,omitempty"`
}

// Posting is one entry of the lexical inverted index.
type Posting struct {
	ChunkID string
	TF      int
}

// Stats are corpus statistics used by BM25 scoring.
type Stats struct {
	TotalChunks int
	AvgChunkLen float64
}
