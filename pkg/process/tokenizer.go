package process

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultEncoding is used when no tokenizer encoding is configured.
const DefaultEncoding = "cl100k_base"

var encodings = map[string]tokenizer.Encoding{
	"cl100k_base": tokenizer.Cl100kBase,
	"o200k_base":  tokenizer.O200kBase,
	"p50k_base":   tokenizer.P50kBase,
	"p50k_edit":   tokenizer.P50kEdit,
	"r50k_base":   tokenizer.R50kBase,
}

var (
	codecMu sync.RWMutex
	codec   tokenizer.Codec
)

// InitTokenizer loads the named encoding for CountTokens. Unknown names fall
// back to DefaultEncoding.
func InitTokenizer(encoding string) error {
	enc, ok := encodings[encoding]
	if !ok {
		enc = encodings[DefaultEncoding]
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return err
	}

	codecMu.Lock()
	codec = c
	codecMu.Unlock()
	return nil
}

// CountTokens returns the token count of text, or -1 if the tokenizer is not
// initialized or encoding fails.
func CountTokens(text string) int {
	codecMu.RLock()
	defer codecMu.RUnlock()
	if codec == nil {
		return -1
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return -1
	}
	return len(ids)
}

// TokenizerReady reports whether InitTokenizer has succeeded.
func TokenizerReady() bool {
	codecMu.RLock()
	defer codecMu.RUnlock()
	return codec != nil
}
