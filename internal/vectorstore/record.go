package vectorstore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SourceType classifies where a chunk of content came from.
type SourceType string

const (
	SourceFile       SourceType = "file"
	SourceTranscript SourceType = "transcript"
	SourceText       SourceType = "text"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceFile, SourceTranscript, SourceText:
		return true
	}
	return false
}

// EmbeddingRecord is one stored chunk. (ClientID, SourcePath, SourceType,
// Revision) is unique; ID is derived from it.
type EmbeddingRecord struct {
	ID         string         `json:"id"`
	ClientID   string         `json:"clientId"`
	JobID      string         `json:"jobId,omitempty"`
	SourcePath string         `json:"sourcePath"`
	SourceType SourceType     `json:"sourceType"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Revision   int            `json:"revision"`
	Dimensions int            `json:"dimensions"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// clone returns a copy that shares no slices or maps with r.
func (r *EmbeddingRecord) clone() *EmbeddingRecord {
	c := *r
	if r.Embedding != nil {
		c.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

var recordNamespace = uuid.MustParse("4b6f1f9e-6d0a-5c1e-9a53-2f0f3c7a8e11")

// RecordID derives the stable id of a record from its unique key.
func RecordID(clientID, sourcePath string, sourceType SourceType, revision int) string {
	key := clientID + "\x00" + sourcePath + "\x00" + string(sourceType) + "\x00" + strconv.Itoa(revision)
	return uuid.NewSHA1(recordNamespace, []byte(key)).String()
}

// StoreRequest asks the service to embed and persist content.
type StoreRequest struct {
	ClientID   string         `json:"clientId"`
	JobID      string         `json:"jobId,omitempty"`
	SourcePath string         `json:"sourcePath"`
	SourceType SourceType     `json:"sourceType"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Revision   int            `json:"revision,omitempty"`
}

// SearchQuery is a similarity query with a precomputed embedding. Zero
// Limit and nil Threshold take the service defaults.
type SearchQuery struct {
	ClientID  string    `json:"clientId"`
	JobID     string    `json:"jobId,omitempty"`
	Embedding []float32 `json:"queryEmbedding"`
	Limit     int       `json:"limit,omitempty"`
	Threshold *float64  `json:"threshold,omitempty"`
}

// TextQuery is a similarity query whose embedding is computed by the service.
type TextQuery struct {
	ClientID  string   `json:"clientId"`
	JobID     string   `json:"jobId,omitempty"`
	Text      string   `json:"query"`
	Limit     int      `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// Query is the resolved form of a search handed to a Backend.
type Query struct {
	ClientID  string
	JobID     string
	Embedding []float32
	Limit     int
	Threshold float64
}

// SearchResult is a matching record with its similarity to the query.
// Embedding is not populated.
type SearchResult struct {
	EmbeddingRecord
	Similarity float64 `json:"similarity"`
}

// DeleteScope selects records to purge. Exactly one level applies:
// SourcePath if set, else JobID if set, else the whole tenant.
type DeleteScope struct {
	ClientID   string `json:"clientId"`
	SourcePath string `json:"sourcePath,omitempty"`
	JobID      string `json:"jobId,omitempty"`
}

// Level names the precedence level the scope resolves to.
func (d DeleteScope) Level() string {
	switch {
	case d.SourcePath != "":
		return "source"
	case d.JobID != "":
		return "job"
	default:
		return "tenant"
	}
}

func (d DeleteScope) String() string {
	switch d.Level() {
	case "source":
		return fmt.Sprintf("client=%s source=%s", d.ClientID, d.SourcePath)
	case "job":
		return fmt.Sprintf("client=%s job=%s", d.ClientID, d.JobID)
	default:
		return fmt.Sprintf("client=%s", d.ClientID)
	}
}

// Stats summarizes one tenant's stored embeddings.
type Stats struct {
	TotalEmbeddings int64   `json:"totalEmbeddings"`
	UniqueSources   int64   `json:"uniqueSources"`
	UniqueJobs      int64   `json:"uniqueJobs"`
	AvgDimensions   float64 `json:"avgDimensions"`
}
