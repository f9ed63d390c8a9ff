// Package chunker implements C2: splitting text into ordered, token-bounded
// chunks with configurable overlap (§4.2 of SPEC_FULL.md).
package chunker

import (
	"strings"

	"github.com/alecthomas/chroma/lexers"
	"github.com/go-enry/go-enry/v2"

	"github.com/vasic-digital/embedder/internal/model"
)

// Tokenizer is the subset of C1 the chunker depends on.
type Tokenizer interface {
	Count(text string, addSpecials bool) int
}

// Options bounds a single Chunk call (§6 chunking.* config keys).
type Options struct {
	MinTokens    int
	MaxTokens    int
	OverlapRatio float64 // in [0, 1)
	Semantic     bool
}

// Chunker splits text into Chunks. Stateless between calls.
type Chunker struct {
	tok Tokenizer
}

func New(tok Tokenizer) *Chunker {
	return &Chunker{tok: tok}
}

// Chunk splits text belonging to sourceID into an ordered chunk list.
// Empty input yields an empty list (§4.2).
func (c *Chunker) Chunk(text, sourceID string, opts Options) []model.Chunk {
	if text == "" {
		return nil
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 500
	}
	if opts.MinTokens <= 0 {
		opts.MinTokens = 50
	}
	if opts.OverlapRatio < 0 || opts.OverlapRatio >= 1 {
		opts.OverlapRatio = 0.1
	}

	contentType := DetectContentType(text, sourceID)
	unit := model.UnitLine
	if contentType == model.ContentText {
		unit = model.UnitChar
	}

	if unit == model.UnitLine {
		return c.chunkByLines(text, sourceID, contentType, opts)
	}
	return c.chunkByChars(text, sourceID, contentType, opts)
}

// chunkByLines splits code-shaped input on line boundaries, packing
// consecutive lines up to MaxTokens with an overlap window of trailing
// lines repeated at the start of the next chunk.
func (c *Chunker) chunkByLines(text, sourceID string, ct model.ContentType, opts Options) []model.Chunk {
	lines := splitKeepEnds(text)
	var chunks []model.Chunk

	overlapTokens := int(opts.OverlapRatio * float64(opts.MaxTokens))

	start := 0
	byteOffset := 0
	lineByteStart := make([]int, len(lines)+1)
	for i, l := range lines {
		lineByteStart[i] = byteOffset
		byteOffset += len(l)
	}
	lineByteStart[len(lines)] = byteOffset

	for start < len(lines) {
		tokenCount := 0
		end := start
		for end < len(lines) {
			lt := c.tok.Count(lines[end], false)
			if tokenCount > 0 && tokenCount+lt > opts.MaxTokens {
				break
			}
			tokenCount += lt
			end++
			if tokenCount >= opts.MaxTokens {
				break
			}
		}
		if end == start {
			end = start + 1 // always make progress even on an oversized single line
		}

		chunkText := strings.Join(lines[start:end], "")
		tc := c.tok.Count(chunkText, false)
		if tc <= 0 {
			tc = 1
		}
		chunks = append(chunks, model.Chunk{
			SourceID:   sourceID,
			Start:      lineByteStart[start],
			End:        lineByteStart[end],
			TokenCount: tc,
			Unit:       model.UnitLine,
			Type:       ct,
			Content:    chunkText,
		})

		if end >= len(lines) {
			break
		}

		// Slide back by approximately overlapTokens worth of trailing lines.
		back := end
		acc := 0
		for back > start && acc < overlapTokens {
			back--
			acc += c.tok.Count(lines[back], false)
		}
		if back <= start {
			back = end
		}
		start = back
	}

	return enforceMinTokens(chunks, opts.MinTokens)
}

// chunkByChars splits opaque prose on rune boundaries up to MaxTokens,
// approximating token count via the tokenizer on growing windows.
func (c *Chunker) chunkByChars(text, sourceID string, ct model.ContentType, opts Options) []model.Chunk {
	runes := []rune(text)
	var chunks []model.Chunk

	// Approximate: 1 token ~ 4 characters (matches the tokenizer's own
	// wordpiece approximation), used only to size the byte window; the
	// authoritative count is always re-measured via the tokenizer.
	approxCharsPerToken := 4
	maxChars := opts.MaxTokens * approxCharsPerToken
	overlapChars := int(opts.OverlapRatio * float64(maxChars))

	start := 0
	for start < len(runes) {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		chunkText := string(runes[start:end])
		tc := c.tok.Count(chunkText, false)
		// Shrink the window if the tokenizer disagrees and we overshot, so
		// token_count <= max_tokens holds even when the approximation is off.
		for tc > opts.MaxTokens && end > start+1 {
			end--
			chunkText = string(runes[start:end])
			tc = c.tok.Count(chunkText, false)
		}
		if tc <= 0 {
			tc = 1
		}
		chunks = append(chunks, model.Chunk{
			SourceID:   sourceID,
			Start:      byteOffsetOfRune(text, start),
			End:        byteOffsetOfRune(text, end),
			TokenCount: tc,
			Unit:       model.UnitChar,
			Type:       ct,
			Content:    chunkText,
		})

		if end >= len(runes) {
			break
		}
		next := end - overlapChars
		if next <= start {
			next = end
		}
		start = next
	}

	return enforceMinTokens(chunks, opts.MinTokens)
}

// enforceMinTokens merges a too-small final chunk into its predecessor,
// matching the contract that all but the last chunk meet min_tokens and
// permitting the last chunk to fall under it.
func enforceMinTokens(chunks []model.Chunk, minTokens int) []model.Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	total := 0
	for _, c := range chunks {
		total += c.TokenCount
	}
	if total <= minTokens {
		return chunks
	}
	last := len(chunks) - 1
	if chunks[last].TokenCount < minTokens && chunks[last].Start > chunks[last-1].Start {
		merged := chunks[last-1]
		merged.End = chunks[last].End
		merged.Content = merged.Content + chunks[last].Content[overlapLen(merged.Content, chunks[last].Content):]
		merged.TokenCount += chunks[last].TokenCount
		chunks = append(chunks[:last-1], merged)
	}
	return chunks
}

func overlapLen(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(a, b[:k]) {
			return k
		}
	}
	return 0
}

func splitKeepEnds(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

func byteOffsetOfRune(s string, runeIdx int) int {
	i := 0
	for bIdx := range s {
		if i == runeIdx {
			return bIdx
		}
		i++
	}
	return len(s)
}

// DetectContentType tags text as code/markdown/text by filename and
// content heuristics, backed by go-enry's language classifier with a
// chroma lexer-registry fallback for ambiguous/extension-less files.
func DetectContentType(text, filename string) model.ContentType {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".markdown") {
		return model.ContentMarkdown
	}

	if filename != "" {
		if lang := enry.GetLanguage(filename, []byte(text)); lang != "" && lang != enry.OtherLanguage && lang != "Text" {
			if lang == "Markdown" {
				return model.ContentMarkdown
			}
			return model.ContentCode
		}
	}

	if lexer := lexers.Match(filename); lexer != nil && lexer.Config() != nil {
		name := strings.ToLower(lexer.Config().Name)
		if name != "" && name != "plaintext" && name != "text" {
			return model.ContentCode
		}
	}

	return model.ContentText
}

// ContentTypeToStr renders a ContentType as its wire string (identity, kept
// as a named conversion per the spec's explicit helper contract).
func ContentTypeToStr(ct model.ContentType) string {
	return string(ct)
}
