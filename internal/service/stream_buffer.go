package service

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	strongBoundaries = ".!?\n"
	weakBoundaries   = ",;: "
	rateWindow       = 5
)

type BufferOptions struct {
	InitialSize      int
	MinSize          int
	MaxSize          int
	MinFlushInterval time.Duration
	// FastRate and SlowRate are tokens per second.
	FastRate   float64
	SlowRate   float64
	PaceFactor float64
	MaxPause   time.Duration
}

func DefaultBufferOptions() BufferOptions {
	return BufferOptions{
		InitialSize:      32,
		MinSize:          8,
		MaxSize:          256,
		MinFlushInterval: 100 * time.Millisecond,
		FastRate:         20,
		SlowRate:         5,
		PaceFactor:       0.5,
		MaxPause:         50 * time.Millisecond,
	}
}

type rateSample struct {
	tokens  int
	elapsed time.Duration
}

// adaptiveBuffer groups streamed tokens into chunks. Sizes are in runes.
type adaptiveBuffer struct {
	opts      BufferOptions
	now       func() time.Time
	sb        strings.Builder
	runes     int
	tokens    int
	target    int
	lastFlush time.Time
	samples   []rateSample
	pause     time.Duration
}

func newAdaptiveBuffer(opts BufferOptions, now func() time.Time) *adaptiveBuffer {
	target := opts.InitialSize
	if target < opts.MinSize {
		target = opts.MinSize
	}
	if opts.MaxSize > 0 && target > opts.MaxSize {
		target = opts.MaxSize
	}
	return &adaptiveBuffer{
		opts:      opts,
		now:       now,
		target:    target,
		lastFlush: now(),
	}
}

// Push appends a token and returns a chunk when a flush condition holds.
func (b *adaptiveBuffer) Push(token string) (string, bool) {
	b.sb.WriteString(token)
	b.runes += utf8.RuneCountInString(token)
	b.tokens++
	if !b.shouldFlush(token) {
		return "", false
	}
	return b.flush(), true
}

func (b *adaptiveBuffer) shouldFlush(token string) bool {
	if strings.ContainsAny(token, strongBoundaries) || b.runes >= b.target {
		return true
	}
	return b.now().Sub(b.lastFlush) >= b.opts.MinFlushInterval && strings.ContainsAny(token, weakBoundaries)
}

// Drain returns whatever is still buffered.
func (b *adaptiveBuffer) Drain() (string, bool) {
	if b.sb.Len() == 0 {
		return "", false
	}
	return b.flush(), true
}

func (b *adaptiveBuffer) flush() string {
	now := b.now()
	chunk := b.sb.String()
	b.observe(b.tokens, now.Sub(b.lastFlush))
	b.sb.Reset()
	b.runes = 0
	b.tokens = 0
	b.lastFlush = now
	return chunk
}

func (b *adaptiveBuffer) observe(tokens int, elapsed time.Duration) {
	b.samples = append(b.samples, rateSample{tokens: tokens, elapsed: elapsed})
	if len(b.samples) > rateWindow {
		b.samples = b.samples[len(b.samples)-rateWindow:]
	}
	rate, ok := b.Rate()
	if !ok {
		b.pause = 0
		return
	}
	switch {
	case rate > b.opts.FastRate:
		b.target = min(int(float64(b.target)*1.5), b.opts.MaxSize)
	case rate < b.opts.SlowRate:
		b.target = max(int(float64(b.target)*0.75), b.opts.MinSize)
	}
	pause := time.Duration(b.opts.PaceFactor / rate * float64(time.Second))
	b.pause = max(0, min(pause, b.opts.MaxPause))
}

// Rate is the rolling tokens per second over the last few flushes.
func (b *adaptiveBuffer) Rate() (float64, bool) {
	var (
		tokens  int
		elapsed time.Duration
	)
	for _, s := range b.samples {
		tokens += s.tokens
		elapsed += s.elapsed
	}
	if elapsed <= 0 {
		return 0, false
	}
	return float64(tokens) / elapsed.Seconds(), true
}

func (b *adaptiveBuffer) Target() int {
	return b.target
}

// Pause is how long to wait after the most recent flush.
func (b *adaptiveBuffer) Pause() time.Duration {
	return b.pause
}
