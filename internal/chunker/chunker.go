package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/BetaMac/alma/internal/ai"
	"github.com/BetaMac/alma/internal/model"
)

var (
	sentenceEnding = regexp.MustCompile(`[.!?]\s{1,2}`)
	softBoundary   = regexp.MustCompile(`[,;:\s]`)
)

type Options struct {
	Size              int  `json:"size"`
	Overlap           int  `json:"overlap"`
	RespectBoundaries bool `json:"respect_boundaries"`
	BoundaryWindow    int  `json:"boundary_window"`
	ContextWindow     int  `json:"context_window"`
}

func DefaultOptions() Options {
	return Options{
		Size:              512,
		Overlap:           50,
		RespectBoundaries: true,
		BoundaryWindow:    100,
		ContextWindow:     100,
	}
}

type Chunker struct {
	opts Options
}

func New(opts Options) *Chunker {
	def := DefaultOptions()
	if opts.Size <= 0 {
		opts.Size = def.Size
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.BoundaryWindow <= 0 {
		opts.BoundaryWindow = def.BoundaryWindow
	}
	if opts.ContextWindow < 0 {
		opts.ContextWindow = 0
	}
	return &Chunker{opts: opts}
}

// CreateChunks splits text into overlapping chunks. Offsets count runes.
// Every chunk starts strictly after the previous one, so the loop runs at
// most len(text) times.
func (c *Chunker) CreateChunks(text, source string) []model.TextChunk {
	runes := []rune(text)
	total := len(runes)
	var chunks []model.TextChunk
	for start := 0; start < total; {
		end := start + c.opts.Size
		if end < total {
			end = c.findBoundary(runes, end)
		} else {
			end = total
		}
		segment := strings.TrimSpace(string(runes[start:end]))
		if segment != "" {
			chunks = append(chunks, model.TextChunk{
				Text: segment,
				Metadata: model.ChunkMetadata{
					Index:       len(chunks),
					Start:       start,
					End:         end,
					TokenCount:  ai.EstimateTokens(segment),
					Source:      source,
					PrevContext: strings.TrimSpace(string(runes[max(0, start-c.opts.ContextWindow):start])),
					NextContext: strings.TrimSpace(string(runes[end:min(total, end+c.opts.ContextWindow)])),
				},
			})
		}
		if end >= total {
			break
		}
		next := end - c.opts.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// findBoundary looks ahead of pos for the first sentence end, then for any
// soft break, and returns the offset just past it.
func (c *Chunker) findBoundary(runes []rune, pos int) int {
	if !c.opts.RespectBoundaries {
		return pos
	}
	window := string(runes[pos:min(len(runes), pos+c.opts.BoundaryWindow)])
	loc := sentenceEnding.FindStringIndex(window)
	if loc == nil {
		loc = softBoundary.FindStringIndex(window)
	}
	if loc == nil {
		return pos
	}
	return pos + utf8.RuneCountInString(window[:loc[1]])
}
