// Package assembler implements C8: the context assembler that turns a
// question, optional attachments, and pinned sources into a token-budgeted
// ordered passage list (§4.8 of SPEC_FULL.md).
package assembler

import (
	"sort"
	"strings"

	"github.com/vasic-digital/embedder/internal/annindex"
	"github.com/vasic-digital/embedder/internal/chunker"
	"github.com/vasic-digital/embedder/internal/config"
	"github.com/vasic-digital/embedder/internal/model"
	"github.com/vasic-digital/embedder/internal/source"
	"github.com/vasic-digital/embedder/internal/store"
)

// Tokenizer is the subset of C1 the assembler depends on.
type Tokenizer interface {
	Count(text string, addSpecials bool) int
}

// Embedder is the subset of C4 the assembler depends on.
type Embedder interface {
	Generate(texts []string, kind model.EmbedKind) ([][]float64, error)
}

// Attachment is a user-supplied {filename, content} pair (§4.8 input).
type Attachment struct {
	Filename string
	Content  string
}

// Options parameterizes one Assemble call.
type Options struct {
	PinnedSources []string
	Attachments   []Attachment
	AttachedOnly  bool
	CtxRatio      float64 // in (0, 1]; default 0.9
	OnMeta        func(string)
}

// Result is the assembler's output: the ordered passage texts, the source
// ids they came from (parallel slice), and the total tokens used.
type Result struct {
	Passages   []string
	SourceIDs  []string
	UsedTokens int
}

// Assembler wires C1 (tokens), C2 (question chunking), C4 (query
// embedding), C3 (related-files/fetch), and C6 (search/chunk storage).
type Assembler struct {
	tok      Tokenizer
	chunker  *chunker.Chunker
	embed    Embedder
	store    *store.Store
	src      *source.Processor
	chunkCfg config.ChunkingConfig
	genCfg   config.GenerationConfig
	embCfg   config.EmbeddingConfig
	provider config.APIProviderConfig
}

func New(tok Tokenizer, ch *chunker.Chunker, embed Embedder, st *store.Store, src *source.Processor, chunkCfg config.ChunkingConfig, genCfg config.GenerationConfig, embCfg config.EmbeddingConfig, provider config.APIProviderConfig) *Assembler {
	return &Assembler{tok: tok, chunker: ch, embed: embed, store: st, src: src, chunkCfg: chunkCfg, genCfg: genCfg, embCfg: embCfg, provider: provider}
}

func (a *Assembler) avgChunkTokens() int {
	avg := (a.chunkCfg.NofMinTokens + a.chunkCfg.NofMaxTokens) / 2
	if avg <= 0 {
		avg = 1
	}
	return avg
}

func (a *Assembler) emit(opts Options, msg string) {
	if opts.OnMeta != nil {
		opts.OnMeta("[meta] " + msg)
	}
}

// Assemble runs the full §4.8 algorithm.
func (a *Assembler) Assemble(question string, opts Options) (Result, error) {
	ctxRatio := opts.CtxRatio
	if ctxRatio <= 0 {
		ctxRatio = 0.9
	}
	maxBudget := int(float64(a.provider.ContextLength) * ctxRatio)
	used := a.tok.Count(question, false)

	var passages []string
	var sourceIDs []string

	maxAttBudget := int(0.8 * float64(maxBudget))

	// Pass 1: small attachments first.
	var remaining []Attachment
	for _, att := range opts.Attachments {
		tokens := a.tok.Count(att.Content, false)
		if float64(tokens) < 0.2*float64(maxAttBudget) && used+tokens <= maxAttBudget {
			passages = append(passages, wrapAttachment(att))
			sourceIDs = append(sourceIDs, att.Filename)
			used += tokens
			continue
		}
		remaining = append(remaining, att)
	}

	// Pass 2: remaining attachments, truncating the last one that doesn't fit.
	for _, att := range remaining {
		budgetLeft := maxAttBudget - used
		if budgetLeft <= 0 {
			break
		}
		tokens := a.tok.Count(att.Content, false)
		if tokens <= budgetLeft {
			passages = append(passages, wrapAttachment(att))
			sourceIDs = append(sourceIDs, att.Filename)
			used += tokens
			continue
		}
		truncated := truncateToTokens(att.Content, tokens, budgetLeft)
		passages = append(passages, wrapAttachment(Attachment{Filename: att.Filename, Content: truncated}))
		sourceIDs = append(sourceIDs, att.Filename)
		used = maxAttBudget
		a.emit(opts, "attachment "+att.Filename+" truncated to fit budget")
		break
	}

	// Step 3: search/rank new sources, unless attached_only — in which case
	// the full-sources loop below still runs, just over the pinned list
	// alone, with no ranked chunk results to fall back on (§4.8 step 3/4).
	var sourceToChunk map[string]int64
	var orderedSources []string
	var merged []model.SearchResult
	var related []string
	if !opts.AttachedOnly {
		var err error
		sourceToChunk, orderedSources, merged, err = a.searchSources(question, opts.PinnedSources)
		if err != nil {
			return Result{}, err
		}
		related = a.relatedSources(opts.PinnedSources, orderedSources)
	} else {
		orderedSources = append([]string{}, opts.PinnedSources...)
	}

	thresholdRatio := a.genCfg.Excerpt.ThresholdRatio
	if thresholdRatio <= 0 {
		thresholdRatio = 0.5
	}
	if opts.AttachedOnly && len(orderedSources) == 1 {
		// "threshold 1.0 if the source is the single last one in
		// attached_only mode" (§4.8 step 4): the lone pinned source is
		// included whole whenever it fits the full remaining budget.
		thresholdRatio = 1.0
	}
	avg := a.avgChunkTokens()
	included := make(map[string]bool, len(orderedSources)+len(related))

	// Full sources (§4.8 step 4).
	for _, src := range orderedSources {
		remainingBudget := maxBudget - used
		if remainingBudget <= 0 {
			break
		}
		content, tokens, err := a.fetchForBudget(src, sourceToChunk, remainingBudget, thresholdRatio, avg, false, question)
		if err != nil || content == "" {
			continue
		}
		passages = append(passages, content)
		sourceIDs = append(sourceIDs, src)
		included[src] = true
		used += tokens
	}

	// Related sources (§4.8 step 5): always the centered-neighborhood
	// excerpt, keyed on the source's middle chunk, when an excerpt is needed.
	for _, src := range related {
		remainingBudget := maxBudget - used
		if remainingBudget <= 0 {
			break
		}
		content, tokens, err := a.fetchForBudget(src, nil, remainingBudget, thresholdRatio, avg, true, question)
		if err != nil || content == "" {
			continue
		}
		passages = append(passages, content)
		sourceIDs = append(sourceIDs, src)
		included[src] = true
		used += tokens
	}

	// Remaining filtered chunk results (§4.8 step 6): chunks whose source
	// was included in full above are skipped.
	for _, r := range merged {
		if included[r.SourceID] {
			continue
		}
		remainingBudget := maxBudget - used
		if remainingBudget <= 0 {
			break
		}
		tokens := a.tok.Count(r.Content, false)
		if tokens > remainingBudget {
			continue
		}
		passages = append(passages, r.Content)
		sourceIDs = append(sourceIDs, r.SourceID)
		used += tokens
	}

	// Final truncation (§4.8 step 7).
	if a.genCfg.MaxChunks > 0 && len(passages) > a.genCfg.MaxChunks {
		passages = passages[:a.genCfg.MaxChunks]
		sourceIDs = sourceIDs[:a.genCfg.MaxChunks]
	}

	return Result{Passages: passages, SourceIDs: sourceIDs, UsedTokens: used}, nil
}

func wrapAttachment(a Attachment) string {
	return "[Attachment: " + a.Filename + "]\n" + a.Content + "\n[/Attachment]"
}

func truncateToTokens(content string, contentTokens, budget int) string {
	if contentTokens == 0 || budget <= 0 {
		return ""
	}
	n := budget * len(content) / contentTokens
	if n > len(content) {
		n = len(content)
	}
	return content[:n]
}

// searchSources chunks the question, embeds each sub-chunk as Query,
// searches the store, merges per-source aggregate similarity, and returns
// the source list (pinned first, then top-ranked new sources up to
// max_full_sources), each source's best single chunk id, and the
// similarity-sorted merged chunk results (§4.8 step 3).
func (a *Assembler) searchSources(question string, pinned []string) (map[string]int64, []string, []model.SearchResult, error) {
	subChunks := a.chunker.Chunk(question, "question", chunker.Options{
		MinTokens: a.chunkCfg.NofMinTokens, MaxTokens: a.chunkCfg.NofMaxTokens, OverlapRatio: a.chunkCfg.OverlapPercentage,
	})
	texts := []string{question}
	if len(subChunks) > 0 {
		texts = texts[:0]
		for _, c := range subChunks {
			texts = append(texts, c.Content)
		}
	}
	vectors, err := a.embed.Generate(texts, model.Query)
	if err != nil {
		return nil, nil, nil, err
	}

	seenChunk := make(map[int64]bool)
	sourceAgg := make(map[string]float64)
	sourceBestChunk := make(map[string]int64)
	sourceBestSim := make(map[string]float64)
	var allResults []model.SearchResult

	topK := a.embCfg.TopK
	if topK <= 0 {
		topK = 5
	}
	for _, v := range vectors {
		results, err := a.store.Search(v, topK)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, r := range results {
			if seenChunk[r.ChunkID] {
				continue
			}
			seenChunk[r.ChunkID] = true
			allResults = append(allResults, r)
			sourceAgg[r.SourceID] += r.Similarity
			if r.Similarity > sourceBestSim[r.SourceID] {
				sourceBestSim[r.SourceID] = r.Similarity
				sourceBestChunk[r.SourceID] = r.ChunkID
			}
		}
	}

	rankedSources := make([]string, 0, len(sourceAgg))
	for s := range sourceAgg {
		rankedSources = append(rankedSources, s)
	}
	sort.Slice(rankedSources, func(i, j int) bool {
		if sourceAgg[rankedSources[i]] != sourceAgg[rankedSources[j]] {
			return sourceAgg[rankedSources[i]] > sourceAgg[rankedSources[j]]
		}
		return rankedSources[i] < rankedSources[j]
	})

	sources := append([]string{}, pinned...)
	seenSource := make(map[string]bool, len(sources))
	for _, s := range sources {
		seenSource[s] = true
	}
	maxFull := a.genCfg.MaxFullSources
	for _, s := range rankedSources {
		if len(sources) >= len(pinned)+maxFull {
			break
		}
		if seenSource[s] {
			continue
		}
		sources = append(sources, s)
		seenSource[s] = true
	}

	sort.Slice(allResults, func(i, j int) bool { return allResults[i].Similarity > allResults[j].Similarity })
	return sourceBestChunk, sources, allResults, nil
}

// relatedSources computes ⋃ related(src) \ sources for each pinned source.
func (a *Assembler) relatedSources(pinned, sources []string) []string {
	if len(pinned) == 0 {
		return nil
	}
	tracked, err := a.store.GetTrackedFiles()
	if err != nil {
		return nil
	}
	candidates := make([]string, len(tracked))
	for i, m := range tracked {
		candidates[i] = m.Path
	}

	present := make(map[string]bool, len(sources))
	for _, s := range sources {
		present[s] = true
	}

	seen := make(map[string]bool)
	var out []string
	for _, p := range pinned {
		for _, r := range a.src.FilterRelatedSources(candidates, p) {
			if present[r] || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// fetchForBudget applies §4.8 step 4/5: excerpt-or-whole selection for one
// source. relatedPolicy selects the "related sources" branch, which always
// falls back to the centered-neighborhood excerpt (keyed on the middle
// chunk) rather than the in-memory ANN sub-index excerpt.
func (a *Assembler) fetchForBudget(srcID string, sourceToChunk map[string]int64, budget int, thresholdRatio float64, avg int, relatedPolicy bool, question string) (string, int, error) {
	content, err := a.src.FetchSource(srcID)
	if err != nil {
		return "", 0, err
	}
	tokens := a.tok.Count(content, false)
	fitThreshold := maxInt(int(float64(budget)*thresholdRatio), avg)
	if tokens <= fitThreshold {
		return content, tokens, nil
	}

	if !a.genCfg.Excerpt.Enabled {
		return truncateToTokens(content, tokens, budget), budget, nil
	}

	if relatedPolicy {
		return a.centeredExcerpt(srcID, 0, false, budget, thresholdRatio, avg)
	}
	if anchor, ok := sourceToChunk[srcID]; ok {
		return a.centeredExcerpt(srcID, anchor, true, budget, thresholdRatio, avg)
	}

	queryVecs, verr := a.embed.Generate([]string{question}, model.Query)
	if verr != nil {
		return "", 0, verr
	}
	return a.annSubIndexExcerpt(srcID, queryVecs, budget, thresholdRatio, avg)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// centeredExcerpt implements §4.8.1.
func (a *Assembler) centeredExcerpt(srcID string, anchor int64, hasAnchor bool, budget int, thresholdRatio float64, avg int) (string, int, error) {
	ids, err := a.store.GetChunkIDsBySource(srcID)
	if err != nil || len(ids) == 0 {
		return "", 0, err
	}

	minChunks, maxChunks := a.genCfg.Excerpt.MinChunks, a.genCfg.Excerpt.MaxChunks
	if minChunks <= 0 {
		minChunks = 1
	}
	if maxChunks <= 0 {
		maxChunks = 9
	}
	n := clamp(int(float64(budget)*thresholdRatio)/avg, minChunks, maxChunks)
	n = clamp(n, 1, 101)
	if n > len(ids) {
		n = len(ids)
	}

	idx := len(ids) / 2
	if hasAnchor {
		for i, id := range ids {
			if id == anchor {
				idx = i
				break
			}
		}
	}

	start := idx - n/2
	if start < 0 {
		start = 0
	}
	if start+n > len(ids) {
		start = len(ids) - n
	}
	if start < 0 {
		start = 0
	}
	window := ids[start : start+n]

	var texts []string
	for _, id := range window {
		c, err := a.store.GetChunkData(id)
		if err != nil {
			continue
		}
		texts = append(texts, c.Content)
	}
	stitched := Stitch(texts)
	return stitched, a.tok.Count(stitched, false), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Stitch concatenates chunk texts, collapsing each consecutive pair's
// chunker-induced overlap: the longest suffix of the accumulator that is
// also a prefix of the next chunk is not repeated (§4.8.1 step 4).
func Stitch(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	acc := parts[0]
	for _, next := range parts[1:] {
		overlap := longestSuffixPrefixOverlap(acc, next)
		acc += next[overlap:]
	}
	return acc
}

func longestSuffixPrefixOverlap(a, b string) int {
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

// annSubIndexExcerpt implements §4.8.2: a fresh in-memory index built over
// just this source's chunk vectors (capped at 999), then queried with the
// question's embedding(s).
func (a *Assembler) annSubIndexExcerpt(srcID string, queryVectors [][]float64, budget int, thresholdRatio float64, avg int) (string, int, error) {
	ids, err := a.store.GetChunkIDsBySource(srcID)
	if err != nil {
		return "", 0, err
	}
	if len(ids) > 999 {
		ids = ids[:999]
	}

	var sub *annindex.Index
	texts := make(map[int64]string, len(ids))
	for _, id := range ids {
		vec, err := a.store.GetEmbeddingVector(id)
		if err != nil {
			continue
		}
		if sub == nil {
			sub = annindex.New(len(vec), annindex.Cosine, 0)
		}
		c, err := a.store.GetChunkData(id)
		if err != nil {
			continue
		}
		texts[id] = c.Content
		_ = sub.Insert(vec, id)
	}
	if sub == nil {
		return "", 0, nil
	}

	topK := int(float64(budget) * thresholdRatio / float64(avg))
	if topK <= 0 {
		return "", 0, nil
	}

	var b strings.Builder
	for _, qv := range queryVectors {
		neighbors, err := sub.SearchKNN(qv, topK)
		if err != nil {
			continue
		}
		for _, n := range neighbors {
			b.WriteString(texts[n.Label])
		}
	}
	content := b.String()
	return content, a.tok.Count(content, false), nil
}
