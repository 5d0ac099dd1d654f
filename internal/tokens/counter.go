package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for chunk budgets, context assembly, and prompt
// ceilings. It lazily loads a tiktoken encoding and falls back to a chars/4
// estimate when the encoding is unavailable (offline environments, unknown
// models).
type Counter struct {
	encoding string

	once sync.Once
	tkm  *tiktoken.Tiktoken
}

func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Counter{encoding: encoding}
}

func (c *Counter) Count(text string) int {
	c.once.Do(func() {
		tkm, err := tiktoken.GetEncoding(c.encoding)
		if err == nil {
			c.tkm = tkm
		}
	})

	if c.tkm != nil {
		return len(c.tkm.Encode(text, nil, nil))
	}
	return estimate(text)
}

func estimate(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
