package agentloop

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/martinemde/magnet/logger"
)

// TokenCounter returns the number of tokens text occupies in a request.
type TokenCounter func(text string) int

// EstimateTokens approximates a token count as one token per four bytes.
func EstimateTokens(text string) int {
	return max(1, len(text)/4)
}

const fallbackEncoding = "cl100k_base"

var (
	encoders   = map[string]*tiktoken.Tiktoken{}
	encodersMu sync.Mutex
)

func encoderFor(model string) *tiktoken.Tiktoken {
	encodersMu.Lock()
	defer encodersMu.Unlock()

	if enc, ok := encoders[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		logger.WarnCF("tokens", "Tokenizer unavailable, estimating token counts", map[string]any{
			"model": model,
			"error": err.Error(),
		})
		enc = nil
	}
	encoders[model] = enc
	return enc
}

// NewTokenCounter returns a counter backed by the tokenizer for model,
// falling back to the cl100k_base encoding and then to EstimateTokens when
// no tokenizer can be loaded.
func NewTokenCounter(model string) TokenCounter {
	return func(text string) int {
		if text == "" {
			return 0
		}
		enc := encoderFor(model)
		if enc == nil {
			return EstimateTokens(text)
		}
		return len(enc.Encode(text, nil, nil))
	}
}
