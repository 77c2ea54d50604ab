package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/skillalign/internal/errs"
	"github.com/raphaelgruber/skillalign/internal/metrics"
)

const (
	// DefaultTimeout bounds every outbound model call.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxAttempts is the total number of tries for a transient failure.
	DefaultMaxAttempts = 3

	// DefaultMaxTokens is the token budget per text before truncation.
	DefaultMaxTokens = 512

	// charsPerToken is the rough estimate used for truncation.
	charsPerToken = 4
)

// Client wraps an Embedder and a Reranker with validation, truncation,
// per-call timeouts and bounded retries.
type Client struct {
	embedder       Embedder
	reranker       Reranker
	timeout        time.Duration
	maxAttempts    int
	maxTokens      int
	initialBackoff time.Duration
	metrics        *metrics.Collector
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt deadline.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithMaxAttempts sets the total number of attempts for transient failures.
func WithMaxAttempts(n int) Option { return func(c *Client) { c.maxAttempts = n } }

// WithMaxTokens sets the truncation budget.
func WithMaxTokens(n int) Option { return func(c *Client) { c.maxTokens = n } }

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option { return func(c *Client) { c.initialBackoff = d } }

// WithMetrics records call timings.
func WithMetrics(m *metrics.Collector) Option { return func(c *Client) { c.metrics = m } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient creates a resilient client.
func NewClient(embedder Embedder, reranker Reranker, opts ...Option) *Client {
	c := &Client{
		embedder:       embedder,
		reranker:       reranker,
		timeout:        DefaultTimeout,
		maxAttempts:    DefaultMaxAttempts,
		maxTokens:      DefaultMaxTokens,
		initialBackoff: 500 * time.Millisecond,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	return c
}

// Dimension returns the bi-encoder output dimension.
func (c *Client) Dimension() int { return c.embedder.Dimension() }

// Embed returns one vector per text in input order.
// Empty texts fail with ErrEmbedding; texts over the token budget are truncated.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	prepared := make([]string, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errs.Embedding("text %d is empty", i)
		}
		prepared[i] = Truncate(t, c.maxTokens)
	}

	var vectors [][]float32
	err := c.call(ctx, metrics.OpEmbedding, len(prepared), func(ctx context.Context) error {
		v, err := c.embedder.EmbedBatch(ctx, prepared)
		if err != nil {
			return err
		}
		vectors = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// Rerank scores candidates against query. Empty candidates make no remote call.
func (c *Client) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return []float64{}, nil
	}
	if strings.TrimSpace(query) == "" {
		return nil, errs.Embedding("rerank query is empty")
	}

	query = Truncate(query, c.maxTokens)
	prepared := make([]string, len(candidates))
	for i, cand := range candidates {
		prepared[i] = Truncate(cand, c.maxTokens)
	}

	var scores []float64
	err := c.call(ctx, metrics.OpRerank, len(prepared), func(ctx context.Context) error {
		s, err := c.reranker.Rerank(ctx, query, prepared)
		if err != nil {
			return err
		}
		if len(s) != len(prepared) {
			return backoff.Permanent(errs.Embedding("rerank returned %d scores for %d candidates", len(s), len(prepared)))
		}
		scores = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// call runs fn with a per-attempt timeout, retrying transient failures.
func (c *Client) call(ctx context.Context, op string, items int, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		if c.metrics == nil {
			return
		}
		if err != nil {
			c.metrics.RecordError(op)
			return
		}
		c.metrics.RecordBatch(op, time.Since(start), items)
	}()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff
	eb.MaxInterval = 10 * c.initialBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxAttempts-1)), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}

		var perm *backoff.PermanentError
		switch {
		case errors.As(err, &perm):
			return err
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			err = errs.Timeout(op, err)
		case !errs.Retryable(err):
			return backoff.Permanent(errs.Embedding("%s: %w", op, err))
		}

		c.logger.Warn("transient model error", "op", op, "attempt", attempt, "max_attempts", c.maxAttempts, "error", err)
		return err
	}, policy)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, errs.ErrEmbedding), errors.Is(err, errs.ErrInternal):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Timeout(op, err)
	default:
		return errs.Internal("%s failed after %d attempts: %w", op, attempt, err)
	}
}

// Truncate shortens text to roughly maxTokens tokens (about 4 characters each),
// cutting on a rune boundary.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	maxChars := maxTokens * charsPerToken
	if len(text) <= maxChars {
		return text
	}
	cut := maxChars
	for cut > 0 && !utf8RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// String describes the configured models, used in startup logs.
func (c *Client) String() string {
	rerank := "none"
	if c.reranker != nil {
		rerank = c.reranker.Model()
	}
	return fmt.Sprintf("embed=%s(%d) rerank=%s", c.embedder.Model(), c.embedder.Dimension(), rerank)
}
