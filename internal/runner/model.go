package runner

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/swarmlabs/zerg/internal/store"
)

// ChunkType discriminates streamed model output.
type ChunkType string

const (
	ChunkAssistantToken ChunkType = "assistant_token"
	ChunkToolCall       ChunkType = "tool_call"
	ChunkUsage          ChunkType = "usage"
)

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Usage carries token and cost accounting for one model turn.
type Usage struct {
	Tokens int
	Cost   float64
}

// Chunk is one unit of streamed model output. Exactly one of Text,
// ToolCall, Usage is meaningful, per Type.
type Chunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
}

// Stream yields chunks until io.EOF.
type Stream interface {
	Recv() (Chunk, error)
}

// ModelRequest is one conversation turn sent to the model.
type ModelRequest struct {
	Model    string
	System   string
	Messages []*store.Message
	Tools    []string
}

// ModelRunner opens a streaming completion for a request. Implementations
// wrap a provider API; tests script the stream.
type ModelRunner interface {
	Stream(ctx context.Context, req ModelRequest) (Stream, error)
}

// EchoModel is the built-in provider-free model: it streams the latest
// user message back word by word, then a usage chunk. It keeps the whole
// pipeline runnable with no API key configured.
type EchoModel struct{}

func (EchoModel) Stream(_ context.Context, req ModelRequest) (Stream, error) {
	var last string
	for _, m := range req.Messages {
		if m.Role == store.RoleUser {
			last = m.Content
		}
	}
	words := strings.Fields(last)
	chunks := make([]Chunk, 0, len(words)+1)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		chunks = append(chunks, Chunk{Type: ChunkAssistantToken, Text: w})
	}
	chunks = append(chunks, Chunk{Type: ChunkUsage, Usage: &Usage{Tokens: len(words)}})
	return &scriptedStream{chunks: chunks}, nil
}

type scriptedStream struct {
	chunks []Chunk
	pos    int
}

func (s *scriptedStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// ScriptStream builds a Stream from a fixed chunk sequence. Test helper.
func ScriptStream(chunks ...Chunk) Stream {
	return &scriptedStream{chunks: chunks}
}
