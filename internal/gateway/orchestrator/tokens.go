package orchestrator

import (
	"sync"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Message is a prompt message, used only to estimate token count
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// per-message framing overhead in tokens
const messageOverhead = 4

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// promptCodec loads cl100k_base from the tables embedded in the tokenizer module
func promptCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.WithError(err).Warn("orchestrator: tokenizer unavailable, estimating by length")
			return
		}
		codec = c
	})
	return codec
}

// EstimateTokens counts prompt tokens with cl100k_base plus per-message framing
func EstimateTokens(messages []Message) int {
	enc := promptCodec()
	total := 0
	for _, m := range messages {
		total += contentTokens(enc, m.Content) + messageOverhead
	}
	return total
}

// contentTokens falls back to four characters per token when no codec is loaded
func contentTokens(enc tokenizer.Codec, s string) int {
	if enc != nil {
		if ids, _, err := enc.Encode(s); err == nil {
			return len(ids)
		}
	}
	return (utf8.RuneCountInString(s) + 3) / 4
}
