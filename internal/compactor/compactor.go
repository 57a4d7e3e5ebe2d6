// Package compactor shrinks long conversation histories to a token budget.
// Histories under budget pass through verbatim; longer ones are summarized
// by an external summarizer, or truncated with a visible marker when the
// summarizer cannot help.
package compactor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/kv"
)

const (
	// TruncatedMarker prefixes degraded output.
	TruncatedMarker = "[truncated] "

	// DefaultMaxTokens is used by SummarizeIfNeeded when maxTokens <= 0.
	DefaultMaxTokens = 1500

	// DefaultCacheTTL evicts cache entries. Entries are never treated as
	// stale by age; only a hash mismatch invalidates them.
	DefaultCacheTTL = 24 * time.Hour

	compactionPrefix = "compaction:"
	sessionPrefix    = "summary:"
)

// Compaction paths reported through Hooks.
const (
	PathVerbatim   = "verbatim"
	PathCached     = "cached"
	PathSummarized = "summarized"
	PathTruncated  = "truncated"
)

// Summarizer produces a bounded-length summary of messages.
type Summarizer interface {
	Summarize(ctx context.Context, messages []string, maxTokens int) (string, error)
}

// Chunk is the result of compacting a message sequence.
type Chunk struct {
	Messages []string `json:"messages"`
	Summary  string   `json:"summary"`
	Hash     string   `json:"hash"`
	// Compacted is true when Summary is lossy.
	Compacted bool `json:"compacted"`
	// Degraded is true when Summary is a truncation, not a real summary.
	Degraded  bool      `json:"degraded"`
	Cached    bool      `json:"cached"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionSummary is the cached record behind SummarizeIfNeeded.
type SessionSummary struct {
	Summary      string    `json:"summary"`
	Hash         string    `json:"hash"`
	MessageCount int       `json:"message_count"`
	Degraded     bool      `json:"degraded"`
	CreatedAt    time.Time `json:"created_at"`
}

// Hooks receives compaction outcomes. Nil funcs are skipped.
type Hooks struct {
	OnCompact func(path string)
}

// Options configures a Compactor.
type Options struct {
	// KV caches summaries. Nil disables caching.
	KV       kv.Store
	Counter  TokenCounter
	CacheTTL time.Duration
	Sink     events.Sink
	Logger   log.Logger
	Hooks    Hooks
}

// Compactor compacts conversation histories.
type Compactor struct {
	summarizer Summarizer
	kv         kv.Store
	counter    TokenCounter
	ttl        time.Duration
	sink       events.Sink
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time
}

// New creates a Compactor. summarizer may be nil, in which case every
// over-budget history is truncated.
func New(summarizer Summarizer, opts Options) *Compactor {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Counter == nil {
		opts.Counter = CharCounter{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Compactor{
		summarizer: summarizer,
		kv:         opts.KV,
		counter:    opts.Counter,
		ttl:        opts.CacheTTL,
		sink:       events.OrNop(opts.Sink),
		logger:     opts.Logger,
		hooks:      opts.Hooks,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Hash is the content hash of a message sequence: the first 16 hex digits
// of the SHA-256 of the newline-joined messages.
func Hash(messages []string) string {
	sum := sha256.Sum256([]byte(strings.Join(messages, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// Compact returns messages joined by newlines when they fit maxTokens, and
// otherwise a summary no larger than maxTokens. Only a summarizer result is
// cached; a truncation is not, so a recovered summarizer is tried next time.
func (c *Compactor) Compact(ctx context.Context, messages []string, maxTokens int) (Chunk, error) {
	if maxTokens <= 0 {
		return Chunk{}, fmt.Errorf("%w: max_tokens must be positive", agenterr.ErrValidation)
	}

	joined := strings.Join(messages, "\n")
	chunk := Chunk{
		Messages:  append([]string(nil), messages...),
		Hash:      Hash(messages),
		CreatedAt: c.now(),
	}

	tokens := c.counter.Count(joined)
	if tokens <= maxTokens {
		chunk.Summary = joined
		chunk.Tokens = tokens
		c.report(PathVerbatim)
		return chunk, nil
	}

	// The key is content-only, so a summary cached under a larger budget
	// must be re-measured; an over-budget hit is treated as a miss.
	key := compactionPrefix + chunk.Hash
	if cached, ok := c.readCache(ctx, key); ok {
		if n := c.counter.Count(cached); n <= maxTokens {
			chunk.Summary = cached
			chunk.Compacted = true
			chunk.Cached = true
			chunk.Tokens = n
			c.report(PathCached)
			return chunk, nil
		}
	}

	summary, err := c.summarize(ctx, messages, joined, maxTokens)
	if err == nil {
		chunk.Summary = summary
		chunk.Compacted = true
		chunk.Tokens = c.counter.Count(summary)
		if c.kv != nil {
			if werr := c.kv.Set(ctx, key, []byte(summary), c.ttl); werr != nil {
				c.logger.Warn(ctx, "compaction cache write failed", "key", key, "err", werr)
			}
		}
		c.report(PathSummarized)
		return chunk, nil
	}
	if ctx.Err() != nil {
		return Chunk{}, ctx.Err()
	}

	c.logger.Warn(ctx, "summarizer unavailable, truncating context", "err", err, "messages", len(messages), "max_tokens", maxTokens)
	c.sink.Emit(ctx, events.New(events.CompactorDegraded, "", map[string]any{
		"error":           err.Error(),
		"message_count":   len(messages),
		"original_tokens": tokens,
		"max_tokens":      maxTokens,
	}))

	chunk.Summary = c.truncate(messages, joined, maxTokens)
	chunk.Compacted = true
	chunk.Degraded = true
	chunk.Tokens = c.counter.Count(chunk.Summary)
	c.report(PathTruncated)
	return chunk, nil
}

// summarize calls the summarizer and rejects output that is empty, over
// budget, or not shorter than the input.
func (c *Compactor) summarize(ctx context.Context, messages []string, joined string, maxTokens int) (string, error) {
	if c.summarizer == nil {
		return "", fmt.Errorf("%w: no summarizer configured", agenterr.ErrBackendUnavailable)
	}
	summary, err := c.summarizer.Summarize(ctx, messages, maxTokens)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	switch {
	case summary == "":
		return "", fmt.Errorf("%w: empty summary", agenterr.ErrBackendUnavailable)
	case c.counter.Count(summary) > maxTokens:
		return "", fmt.Errorf("%w: summary exceeds %d tokens", agenterr.ErrBackendUnavailable, maxTokens)
	case len(summary) >= len(joined):
		return "", fmt.Errorf("%w: summary is not shorter than its input", agenterr.ErrBackendUnavailable)
	}
	return summary, nil
}

// truncate keeps the most recent messages that fit maxTokens (at four bytes
// per token), prefixed with TruncatedMarker. The result is always shorter
// than joined.
func (c *Compactor) truncate(messages []string, joined string, maxTokens int) string {
	limit := maxTokens*4 - len(TruncatedMarker)
	limit = min(limit, len(joined)-len(TruncatedMarker)-1)
	if limit <= 0 {
		return strings.TrimSpace(TruncatedMarker)
	}

	var kept []string
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		need := len(messages[i])
		if len(kept) > 0 {
			need++
		}
		if used+need > limit {
			if len(kept) == 0 {
				kept = append(kept, tailRunes(messages[i], limit))
			}
			break
		}
		kept = append(kept, messages[i])
		used += need
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return TruncatedMarker + strings.Join(kept, "\n")
}

// tailRunes returns the longest suffix of s that fits in n bytes without
// splitting a rune.
func tailRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !isRuneStart(s[start]) {
		start++
	}
	return s[start:]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// SummarizeIfNeeded returns the session's cached summary when it was built
// from exactly these messages and fits maxTokens, and otherwise compacts and
// overwrites it.
func (c *Compactor) SummarizeIfNeeded(ctx context.Context, sessionID string, messages []string, maxTokens int) (Chunk, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Chunk{}, fmt.Errorf("%w: session id is required", agenterr.ErrValidation)
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	hash := Hash(messages)
	if rec, ok := c.session(ctx, sessionID); ok && rec.Hash == hash {
		if n := c.counter.Count(rec.Summary); n <= maxTokens {
			c.report(PathCached)
			return Chunk{
				Messages:  append([]string(nil), messages...),
				Summary:   rec.Summary,
				Hash:      hash,
				Compacted: rec.Summary != strings.Join(messages, "\n"),
				Degraded:  rec.Degraded,
				Cached:    true,
				Tokens:    n,
				CreatedAt: rec.CreatedAt,
			}, nil
		}
	}

	chunk, err := c.Compact(ctx, messages, maxTokens)
	if err != nil {
		return Chunk{}, err
	}
	if c.kv != nil {
		rec := SessionSummary{
			Summary:      chunk.Summary,
			Hash:         hash,
			MessageCount: len(messages),
			Degraded:     chunk.Degraded,
			CreatedAt:    chunk.CreatedAt,
		}
		if err := kv.SetJSON(ctx, c.kv, sessionPrefix+sessionID, rec, c.ttl); err != nil {
			c.logger.Warn(ctx, "session summary write failed", "session_id", sessionID, "err", err)
		}
	}
	return chunk, nil
}

// ClearSession drops a session's cached summary.
func (c *Compactor) ClearSession(ctx context.Context, sessionID string) error {
	if c.kv == nil {
		return nil
	}
	if err := c.kv.Delete(ctx, sessionPrefix+sessionID); err != nil {
		return fmt.Errorf("%w: clear session summary: %w", agenterr.ErrBackendUnavailable, err)
	}
	return nil
}

// Stats returns the cached summary record for a session.
func (c *Compactor) Stats(ctx context.Context, sessionID string) (*SessionSummary, error) {
	if c.kv == nil {
		return nil, fmt.Errorf("session %q: %w", sessionID, agenterr.ErrNotFound)
	}
	var rec SessionSummary
	ok, err := kv.GetJSON(ctx, c.kv, sessionPrefix+sessionID, &rec)
	if err != nil {
		return nil, fmt.Errorf("%w: read session summary: %w", agenterr.ErrBackendUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, agenterr.ErrNotFound)
	}
	return &rec, nil
}

func (c *Compactor) session(ctx context.Context, sessionID string) (SessionSummary, bool) {
	var rec SessionSummary
	if c.kv == nil {
		return rec, false
	}
	ok, err := kv.GetJSON(ctx, c.kv, sessionPrefix+sessionID, &rec)
	if err != nil {
		c.logger.Warn(ctx, "session summary read failed", "session_id", sessionID, "err", err)
		return rec, false
	}
	return rec, ok
}

func (c *Compactor) readCache(ctx context.Context, key string) (string, bool) {
	if c.kv == nil {
		return "", false
	}
	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		c.logger.Warn(ctx, "compaction cache read failed", "key", key, "err", err)
		return "", false
	}
	return string(raw), ok
}

func (c *Compactor) report(path string) {
	if c.hooks.OnCompact != nil {
		c.hooks.OnCompact(path)
	}
}
