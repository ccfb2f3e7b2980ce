// Package chunker splits raw stakeholder text into stable, bounded,
// citable chunks. Chunking is fully deterministic: identical input
// always yields identical chunk IDs and boundaries, so citations
// survive re-runs.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/forgeline/reqforge/internal/urs"
)

// DefaultMaxSize is the chunk size cap in characters when the caller
// passes no override.
const DefaultMaxSize = 1000

// Chunk splits text into ordered chunks no longer than maxSize
// characters. Paragraphs (blank-line-delimited) are packed greedily; a
// single paragraph over the limit is split at the nearest sentence
// boundary at or before it, never mid-word. Empty or whitespace-only
// input returns urs.ErrNoContent.
func Chunk(text string, maxSize int, sourceDoc string, class urs.Classification) ([]urs.Chunk, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if strings.TrimSpace(text) == "" {
		return nil, urs.ErrNoContent
	}

	pieces := pack(splitParagraphs(text), maxSize)

	chunks := make([]urs.Chunk, 0, len(pieces))
	offset := 0
	for i, piece := range pieces {
		chunks = append(chunks, urs.Chunk{
			ID:             ChunkID(i + 1),
			Text:           piece,
			StartOffset:    offset,
			EndOffset:      offset + len(piece),
			SourceDocument: sourceDoc,
			ContentHash:    hashContent(piece),
			Classification: class,
		})
		offset += len(piece)
	}
	return chunks, nil
}

// ChunkPages chunks a multi-page document, preserving page numbers.
// The ID sequence runs continuously across pages.
func ChunkPages(pages []string, maxSize int, sourceDoc string, class urs.Classification) ([]urs.Chunk, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	var chunks []urs.Chunk
	idx := 0
	offset := 0
	for pageNum, page := range pages {
		if strings.TrimSpace(page) == "" {
			continue
		}
		for _, piece := range pack(splitParagraphs(page), maxSize) {
			idx++
			chunks = append(chunks, urs.Chunk{
				ID:             ChunkID(idx),
				Text:           piece,
				StartOffset:    offset,
				EndOffset:      offset + len(piece),
				Page:           pageNum + 1,
				SourceDocument: sourceDoc,
				ContentHash:    hashContent(piece),
				Classification: class,
			})
			offset += len(piece)
		}
	}
	if len(chunks) == 0 {
		return nil, urs.ErrNoContent
	}
	return chunks, nil
}

// ChunkID formats the 1-based chunk index, e.g. "C-001".
func ChunkID(n int) string {
	return fmt.Sprintf("C-%03d", n)
}

// splitParagraphs breaks text on blank lines, trimming each paragraph.
func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// pack greedily joins paragraphs into pieces not exceeding maxSize.
// Oversized paragraphs are split at sentence boundaries first.
func pack(paras []string, maxSize int) []string {
	var pieces []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
		}
	}

	for _, para := range paras {
		if len(para) > maxSize {
			flush()
			pieces = append(pieces, splitOversized(para, maxSize)...)
			continue
		}
		// +2 accounts for the paragraph separator.
		if current.Len() > 0 && current.Len()+2+len(para) > maxSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return pieces
}

// splitOversized breaks a single paragraph that exceeds maxSize at
// sentence boundaries. A sentence that alone exceeds maxSize is split
// at the last word boundary before the limit.
func splitOversized(para string, maxSize int) []string {
	var pieces []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, sent := range splitSentences(para) {
		for len(sent) > maxSize {
			cut := lastWordBoundary(sent, maxSize)
			flush()
			pieces = append(pieces, strings.TrimSpace(sent[:cut]))
			sent = strings.TrimSpace(sent[cut:])
		}
		if current.Len() > 0 && current.Len()+1+len(sent) > maxSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}
	flush()
	return pieces
}

// splitSentences splits on sentence-ending punctuation followed by a
// space and an upper-case letter. Simple heuristic, same as the
// boundary rule the rest of the pipeline relies on.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		if (runes[i] == '.' || runes[i] == '!' || runes[i] == '?') &&
			unicode.IsSpace(runes[i+1]) {
			// Look ahead past whitespace for an upper-case start.
			j := i + 1
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
			if j < len(runes) && unicode.IsUpper(runes[j]) {
				sentences = append(sentences, strings.TrimSpace(string(runes[start:i+1])))
				start = j
				i = j - 1
			}
		}
	}
	if start < len(runes) {
		tail := strings.TrimSpace(string(runes[start:]))
		if tail != "" {
			sentences = append(sentences, tail)
		}
	}
	return sentences
}

// lastWordBoundary returns the byte index of the last space at or
// before limit, or limit itself if the text has no space (never splits
// mid-word unless a single word exceeds the limit).
func lastWordBoundary(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	if i := strings.LastIndexByte(s[:limit], ' '); i > 0 {
		return i
	}
	// Single word longer than the limit; take the whole word.
	if i := strings.IndexByte(s[limit:], ' '); i >= 0 {
		return limit + i
	}
	return len(s)
}

// hashContent returns the first 16 hex characters of the SHA-256 of
// the chunk text, stored for audit verification.
func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
