package model

import (
	"github.com/google/uuid"
)

type ChunkID string

// NewChunkID generates a new unique ChunkID
func NewChunkID() ChunkID {
	return ChunkID(uuid.New().String())
}

func (x ChunkID) String() string { return string(x) }

// Metadata keys set on every stored chunk
const (
	MetaSource      = "source"
	MetaChunkIndex  = "chunk_index"
	MetaTotalChunks = "total_chunks"
	MetaFileType    = "file_type"
)

// DocumentChunk is a slice of a source document as stored in the vector index
type DocumentChunk struct {
	ID          ChunkID
	Source      string
	ChunkIndex  int
	TotalChunks int
	Content     string
	Embedding   []float32
	Metadata    map[string]string
}

// Hit is a raw nearest-neighbor match returned by a vector index.
// Distance is a cosine distance in [0, 2].
type Hit struct {
	ID       ChunkID
	Content  string
	Metadata map[string]string
	Distance float64
}

// RetrievalResult is a search result of the document index.
// Distance is normalized into [0, 1] and RelevanceScore is 1 - Distance.
type RetrievalResult struct {
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata"`
	Distance       float64           `json:"distance"`
	RelevanceScore float64           `json:"relevance_score"`
}

type IndexStatus string

const (
	IndexStatusHealthy        IndexStatus = "healthy"
	IndexStatusNotInitialized IndexStatus = "not_initialized"
	IndexStatusError          IndexStatus = "error"
)

// IndexStats is introspection data of the document index
type IndexStats struct {
	Status         IndexStatus `json:"status"`
	TotalDocuments int         `json:"total_documents"`
	UniqueSources  int         `json:"unique_sources"`
	Sources        []string    `json:"sources,omitempty"`
	EmbeddingMode  string      `json:"embedding_mode,omitempty"`
	EmbeddingModel string      `json:"embedding_model,omitempty"`
	Error          string      `json:"error,omitempty"`
}
