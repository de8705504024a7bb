package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// GatewayOptions bounds gateway resource use.
type GatewayOptions struct {
	// Concurrency caps in-flight synthesis calls across the process.
	Concurrency int64
	// Timeout applies to each provider attempt.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Gateway synthesizes speech with a primary provider and a fallback. It
// never returns an error: nil audio means no audio.
type Gateway struct {
	primary  Synthesizer
	fallback Synthesizer
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGateway creates a gateway. Either provider may be nil.
func NewGateway(primary, fallback Synthesizer, opts GatewayOptions) *Gateway {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		primary:  primary,
		fallback: fallback,
		sem:      semaphore.NewWeighted(opts.Concurrency),
		timeout:  opts.Timeout,
		logger:   opts.Logger,
	}
}

// Synthesize tries the primary provider (the only one that honors
// reference), then the fallback. Each failure is logged and absorbed.
func (g *Gateway) Synthesize(ctx context.Context, text string, reference []byte) []byte {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.logger.Warn("Speech synthesis skipped", "error", err)
		return nil
	}
	defer g.sem.Release(1)

	opts := SynthesizeOptions{Reference: reference}
	if audio := g.attempt(ctx, g.primary, text, opts); audio != nil {
		return audio
	}
	return g.attempt(ctx, g.fallback, text, SynthesizeOptions{})
}

func (g *Gateway) attempt(ctx context.Context, p Synthesizer, text string, opts SynthesizeOptions) []byte {
	if p == nil {
		return nil
	}
	if e, ok := p.(Enabler); ok && !e.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	audio, err := p.Synthesize(ctx, text, opts)
	if err == nil && len(audio) == 0 {
		err = errors.New("empty audio")
	}
	if err != nil {
		g.logger.Warn("Speech provider failed",
			"provider", p.Name(),
			"cloning", len(opts.Reference) > 0,
			"error", err,
		)
		return nil
	}
	g.logger.Info("Speech synthesized",
		"provider", p.Name(),
		"bytes", len(audio),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return audio
}
