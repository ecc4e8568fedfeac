package protocol

import (
	"time"

	"github.com/loqalabs/loqa-tts/internal/alignment"
)

// GenerateRequest asks the generation daemon for audio tokens. Either InputIDs or
// Text must be set; Text is rendered into a prompt and tokenized by the backend.
type GenerateRequest struct {
	RequestID         string             `json:"request_id"`
	InputIDs          []int              `json:"input_ids,omitempty"`
	Text              string             `json:"text,omitempty"`
	Speaker           *alignment.Speaker `json:"speaker,omitempty"`
	Temperature       float64            `json:"temperature,omitempty"`
	RepetitionPenalty float64            `json:"repetition_penalty,omitempty"`
	MaxLength         int                `json:"max_length,omitempty"`
	Additional        map[string]any     `json:"additional,omitempty"`
	Stream            bool               `json:"stream,omitempty"`
	TraceID           string             `json:"trace_id,omitempty"`
}

// GenerateResponse is the reply to a GenerateRequest. Tokens holds generated
// tokens only, never the input.
type GenerateResponse struct {
	RequestID   string    `json:"request_id"`
	Backend     string    `json:"backend"`
	Tokens      []int     `json:"tokens,omitempty"`
	InputTokens int       `json:"input_tokens"`
	Error       string    `json:"error,omitempty"`
	LatencyMS   int64     `json:"latency_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// GenerateTokens carries a run of streamed tokens for a request.
type GenerateTokens struct {
	RequestID string `json:"request_id"`
	Sequence  int    `json:"sequence"`
	Tokens    []int  `json:"tokens"`
	TraceID   string `json:"trace_id,omitempty"`
}

// BatchFlushed announces a corpus batch file that was written to disk.
type BatchFlushed struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Path      string    `json:"path"`
	Object    string    `json:"object,omitempty"`
	Records   int       `json:"records"`
	Bytes     int64     `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkerAnnounce advertises a generation daemon and the backend it serves.
type WorkerAnnounce struct {
	NodeID    string    `json:"node_id"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model,omitempty"`
	Tokenizes bool      `json:"tokenizes"`
	Timestamp time.Time `json:"timestamp"`
}

type WorkerHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectWorkerAnnounce        = "worker.announce"
	SubjectWorkerHeartbeat       = "worker.heartbeat"
	SubjectGenerateRequest       = "generate.request"
	SubjectGenerateTokensPartial = "generate.tokens.partial"
	SubjectCorpusBatchFlushed    = "corpus.batch.flushed"
)
