package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used for models tiktoken does not know about.
const fallbackEncoding = "cl100k_base"

// Counter computes token costs for prompt budgeting. Encodings are loaded
// once per model and shared process-wide.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

func New() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text under the given model's encoding
// plus correction, a caller-supplied constant for role and delimiter
// overhead.
func (c *Counter) Count(text, model string, correction int) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)) + correction, nil
}

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("load fallback encoding: %w", err)
		}
	}
	c.encodings[model] = enc
	return enc, nil
}
