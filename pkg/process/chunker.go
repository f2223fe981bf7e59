package process

import (
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

// Chunk is one retrieval-sized piece of a page's markdown.
type Chunk struct {
	Content          string
	HeadingHierarchy []string
	TokenCount       int // -1 without a tokenizer
}

// ChunkerConfig sizes chunks. Sizes are in tokens when the tokenizer is
// initialized, otherwise in runes.
type ChunkerConfig struct {
	MaxChunkSize int
	ChunkOverlap int
}

// DefaultChunkerConfig returns the chunk sizing used when none is configured.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{MaxChunkSize: 512, ChunkOverlap: 50}
}

func chunkLen(s string) int {
	if n := CountTokens(s); n >= 0 {
		return n
	}
	return utf8.RuneCountInString(s)
}

// ChunkMarkdown splits markdown at its headings, carrying the parent headings
// into each chunk. Sections still larger than MaxChunkSize are split again
// recursively by character.
func ChunkMarkdown(markdown string, cfg ChunkerConfig) ([]Chunk, error) {
	if strings.TrimSpace(markdown) == "" {
		return nil, nil
	}
	if cfg.MaxChunkSize <= 0 {
		cfg = DefaultChunkerConfig()
	}

	fallback := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.MaxChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		textsplitter.WithLenFunc(chunkLen),
	)
	splitter := textsplitter.NewMarkdownTextSplitter(
		textsplitter.WithHeadingHierarchy(true),
		textsplitter.WithChunkSize(cfg.MaxChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		textsplitter.WithSecondSplitter(fallback),
		textsplitter.WithLenFunc(chunkLen),
	)

	parts, err := splitter.SplitText(markdown)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:          part,
			HeadingHierarchy: ExtractHeadings([]byte(part)),
			TokenCount:       CountTokens(part),
		})
	}
	return chunks, nil
}
