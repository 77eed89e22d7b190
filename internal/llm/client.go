// Package llm sends rendered task requests to a local inference endpoint and
// turns the replies into typed results.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/corey-beep/email-agent/internal/config"
	"github.com/corey-beep/email-agent/internal/task"
)

// maxBackoff caps the wait between attempts
const maxBackoff = 30 * time.Second

// backoffDelay returns base * 2^(attempt-1), never more than maxBackoff
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= maxBackoff/2 {
			return maxBackoff
		}
		delay *= 2
	}
	return min(delay, maxBackoff)
}

// Completer performs one raw chat completion against the model
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Models(ctx context.Context) ([]string, error)
}

// Client wraps a Completer with timeouts, retries and strict output parsing
type Client struct {
	completer  Completer
	model      string
	categories []string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
}

// NewClient creates a new inference client. categories is the vocabulary a
// categorize reply is checked against.
func NewClient(cfg *config.LLMConfig, completer Completer, categories []string, logger zerolog.Logger) *Client {
	c := &Client{
		completer:  completer,
		model:      cfg.Model,
		categories: categories,
		timeout:    cfg.Timeout,
		maxRetries: cfg.Retries(),
		backoff:    cfg.Backoff,
		logger:     logger.With().Str("component", "llm").Logger(),
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	return c
}

// Infer submits req and returns its parsed result. Timeouts are retried up to
// the configured retry count, other transport failures once. Malformed output
// is never retried.
func (c *Client) Infer(ctx context.Context, req task.Request) (*task.Result, error) {
	var timeouts, failures int

	for attempt := 1; ; attempt++ {
		start := time.Now()
		text, err := c.complete(ctx, req)
		if err == nil {
			result, perr := Parse(req, text, c.categories)
			if perr != nil {
				c.logger.Warn().
					Err(perr).
					Str("task", string(req.Task)).
					Strs("ids", req.TargetIDs).
					Msg("Model returned malformed output")
				return nil, c.fail(req, task.KindMalformedOutput, attempt, perr)
			}
			c.logger.Debug().
				Str("task", string(req.Task)).
				Strs("ids", req.TargetIDs).
				Int("attempt", attempt).
				Dur("duration", time.Since(start)).
				Msg("Inference completed")
			return result, nil
		}

		kind := classify(err)
		if ctx.Err() != nil {
			return nil, c.fail(req, kind, attempt, err)
		}

		var retry bool
		if kind == task.KindTimeout {
			timeouts++
			retry = timeouts <= c.maxRetries
		} else {
			failures++
			retry = failures <= 1
		}
		if !retry {
			c.logger.Error().
				Err(err).
				Str("task", string(req.Task)).
				Strs("ids", req.TargetIDs).
				Int("attempts", attempt).
				Msg("Inference failed")
			return nil, c.fail(req, kind, attempt, err)
		}

		delay := backoffDelay(c.backoff, attempt)
		c.logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Inference attempt failed, retrying")

		if err := sleep(ctx, delay); err != nil {
			return nil, c.fail(req, kind, attempt, err)
		}
	}
}

// Ping checks that the endpoint answers and serves the configured model
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	models, err := c.completer.Models(ctx)
	if err != nil {
		return fmt.Errorf("inference endpoint unreachable: %w", err)
	}
	if slices.Contains(models, c.model) {
		return nil
	}
	// Ollama reports "name:tag"; accept a bare name configured as ":latest"
	if !strings.Contains(c.model, ":") && slices.Contains(models, c.model+":latest") {
		return nil
	}
	return fmt.Errorf("model %q is not available (have %s)", c.model, strings.Join(models, ", "))
}

func (c *Client) complete(ctx context.Context, req task.Request) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.completer.Complete(ctx, req.SystemPrompt, req.Prompt)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) fail(req task.Request, kind task.ErrorKind, attempts int, err error) error {
	return &task.InferenceError{
		Kind:       kind,
		Task:       req.Task,
		MessageIDs: req.TargetIDs,
		Attempts:   attempts,
		Err:        err,
	}
}

// classify maps a transport error to timeout or unavailable
func classify(err error) task.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return task.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return task.KindTimeout
	}
	return task.KindUnavailable
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
