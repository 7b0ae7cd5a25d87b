package unifiedllm

import "context"

// ProviderAdapter is the interface every provider backend must implement.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream opens a streaming request. Errors that occur before the first
	// chunk may be returned here or from the stream's Err.
	Stream(ctx context.Context, req Request) (ChunkStream, error)
}

// ChunkStream is an iterator over provider chunks, in the shape of the
// SDK server-sent-event streams.
type ChunkStream interface {
	Next() bool
	Current() Chunk
	Err() error
	Close() error
}

// Chunk is one provider-neutral streaming chunk. Choice is nil for chunks
// that carry only metadata such as usage.
type Chunk struct {
	Usage  *Usage
	Choice *ChunkChoice
}

// ChunkChoice is the first choice of a chunk.
type ChunkChoice struct {
	Text         string
	ToolCalls    []ToolCallFragment
	FinishReason string
}

// ToolCallFragment is a partial tool call keyed by its provider index.
// ID and Name are usually only present on the first fragment.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// sliceStream replays a fixed list of chunks.
type sliceStream struct {
	chunks []Chunk
	pos    int
	err    error
}

// NewSliceStream returns a ChunkStream that yields chunks and then fails
// with err, if non-nil.
func NewSliceStream(chunks []Chunk, err error) ChunkStream {
	return &sliceStream{chunks: chunks, pos: -1, err: err}
}

func (s *sliceStream) Next() bool {
	if s.pos+1 >= len(s.chunks) {
		s.pos = len(s.chunks)
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Current() Chunk {
	if s.pos < 0 || s.pos >= len(s.chunks) {
		return Chunk{}
	}
	return s.chunks[s.pos]
}

func (s *sliceStream) Err() error {
	if s.pos >= len(s.chunks) {
		return s.err
	}
	return nil
}

func (s *sliceStream) Close() error { return nil }

// chunkFromResponse converts a synchronous reply into a single chunk so the
// non-streaming path produces the same event shapes.
func chunkFromResponse(resp *Response) Chunk {
	choice := &ChunkChoice{
		Text:         resp.Message.Content,
		FinishReason: resp.FinishReason,
	}
	for i, tc := range resp.Message.ToolCalls {
		choice.ToolCalls = append(choice.ToolCalls, ToolCallFragment{
			Index:     i,
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.ArgumentsJSON(),
		})
	}
	return Chunk{Usage: resp.Usage, Choice: choice}
}
