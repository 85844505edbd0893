// Package completer streams model completions through charm.land/fantasy.
package completer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openrouter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnsupportedProvider is returned for provider names New does not know.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Config selects the provider and model.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// streamFunc runs one completion, calling onDelta for each text fragment.
type streamFunc func(ctx context.Context, prompt string, onDelta func(string) error) error

// Fantasy streams completions from a fantasy language model.
type Fantasy struct {
	stream streamFunc
	name   string
	tracer trace.Tracer
}

// New resolves the configured provider and model.
func New(ctx context.Context, cfg Config) (*Fantasy, error) {
	var provider fantasy.Provider
	var err error

	switch strings.ToLower(cfg.Provider) {
	case "openai":
		opts := []openai.Option{openai.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		provider, err = openai.New(opts...)

	case "anthropic":
		opts := []anthropic.Option{anthropic.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		provider, err = anthropic.New(opts...)

	case "openrouter", "":
		opts := []openrouter.Option{openrouter.WithAPIKey(cfg.APIKey)}
		provider, err = openrouter.New(opts...)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	model, err := provider.LanguageModel(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("get language model: %w", err)
	}
	return newFantasy(cfg.Model, agentStream(model)), nil
}

func newFantasy(name string, stream streamFunc) *Fantasy {
	return &Fantasy{
		stream: stream,
		name:   name,
		tracer: otel.Tracer("modhub/internal/search/completer"),
	}
}

func agentStream(model fantasy.LanguageModel) streamFunc {
	return func(ctx context.Context, prompt string, onDelta func(string) error) error {
		agent := fantasy.NewAgent(model)
		_, err := agent.Stream(ctx, fantasy.AgentStreamCall{
			Prompt: prompt,
			OnTextDelta: func(_, text string) error {
				if text == "" {
					return nil
				}
				return onDelta(text)
			},
		})
		return err
	}
}

// StreamComplete streams text deltas for prompt. Stopping iteration early
// cancels the underlying request.
func (f *Fantasy) StreamComplete(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ctx, span := f.tracer.Start(ctx, "completer.stream", trace.WithAttributes(
			attribute.String("model", f.name),
		))
		defer span.End()

		deltas, done := f.start(ctx, prompt)
		for {
			select {
			case text := <-deltas:
				if !yield(text, nil) {
					return
				}
			case err := <-done:
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, "stream failed")
					yield("", err)
				}
				return
			}
		}
	}
}

// start runs the stream in a goroutine. Deltas are handed over on an
// unbuffered channel, so they arrive strictly in order and the goroutine
// exits once ctx is cancelled.
func (f *Fantasy) start(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	deltas := make(chan string)
	done := make(chan error, 1)

	go func() {
		err := f.stream(ctx, prompt, func(text string) error {
			select {
			case deltas <- text:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			err = fmt.Errorf("stream: %w", err)
		}
		done <- err
	}()
	return deltas, done
}
