// Package ranker asks a language model to score candidate options against a
// query and keeps the confident matches in the order the model returned them.
package ranker

//go:generate mockgen -source=ranker.go -destination=mocks/mocks.go -package=mocks Completer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"modhub/internal/search/anchor"
	pstrings "modhub/pkg/platform/strings"
)

const (
	DefaultN         = 10
	DefaultThreshold = 0.5
)

// OutputFormat describes the shape the model must answer with.
const OutputFormat = "DICT(data:list[[key:str, score:float]])"

// Completer streams a model completion for prompt.
type Completer interface {
	StreamComplete(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) iter.Seq2[string, error]

func (f CompleterFunc) StreamComplete(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return f(ctx, prompt)
}

// Ranker scores options with a Completer.
type Ranker struct {
	completer Completer
	anchor    string
	tracer    trace.Tracer
}

type Option func(*Ranker)

// WithAnchor sets the tag the model is asked to wrap its answer in.
func WithAnchor(name string) Option {
	return func(r *Ranker) {
		if name != "" {
			r.anchor = name
		}
	}
}

// New creates a Ranker.
func New(completer Completer, opts ...Option) *Ranker {
	r := &Ranker{
		completer: completer,
		anchor:    anchor.DefaultName,
		tracer:    otel.Tracer("modhub/internal/search/ranker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rank is shorthand for New(completer).Rank.
func Rank(ctx context.Context, options []string, query string, completer Completer, n int, threshold float64) ([]string, error) {
	return New(completer).Rank(ctx, options, query, n, threshold)
}

// Rank returns the keys the model scored above threshold, in model order.
// n is the number of matches the model is asked for; the answer is not
// truncated or checked against options here (see Restrict). Options are
// trimmed and de-duplicated before prompting. An empty match set is a valid
// answer and returns an empty slice.
func (r *Ranker) Rank(ctx context.Context, options []string, query string, n int, threshold float64) ([]string, error) {
	options = pstrings.DedupeAndTrim(options)
	if len(options) == 0 {
		return []string{}, nil
	}
	if n <= 0 {
		n = DefaultN
	}

	ctx, span := r.tracer.Start(ctx, "ranker.rank", trace.WithAttributes(
		attribute.Int("options", len(options)),
		attribute.Int("n", n),
	))
	defer span.End()

	prompt, err := BuildPrompt(query, options, n, r.anchor)
	if err != nil {
		return nil, err
	}
	parsed, err := anchor.Extract(ctx, r.completer.StreamComplete(ctx, prompt), r.anchor)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	keys, err := Filter(parsed, threshold)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("matches", len(keys)))
	return keys, nil
}

// BuildPrompt renders the ranking prompt. Identical inputs always produce
// identical prompts.
func BuildPrompt(query string, options []string, n int, anchorName string) (string, error) {
	encoded, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	open, closing := anchor.Tags(anchorName)

	var b strings.Builder
	b.WriteString("QUERY\n")
	b.WriteString(query)
	b.WriteString("\nOPTIONS\n")
	b.Write(encoded)
	b.WriteString("\nINSTRUCTION\n")
	fmt.Fprintf(&b, "get the top %d options that match the query, scored from 0 to 1, best first\n", n)
	b.WriteString("OUTPUT\n")
	b.WriteString("(JSON ONLY AND ONLY RESPOND WITH THE FOLLOWING INCLUDING THE ANCHORS SO WE CAN PARSE)\n")
	b.WriteString(open)
	b.WriteString(OutputFormat)
	b.WriteString(closing)
	b.WriteString("\n")
	return b.String(), nil
}

// Filter walks the "data" pairs of a parsed answer and keeps the keys whose
// numeric score is strictly above threshold, in model order. Pairs that are
// not [string, number] are dropped. A payload without a data list is malformed.
// Keys are returned as the model wrote them; use Restrict when they must name
// one of the offered options.
func Filter(parsed any, threshold float64) ([]string, error) {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, malformed(parsed, "expected an object with a data list")
	}
	data, ok := obj["data"].([]any)
	if !ok {
		return nil, malformed(parsed, "expected an object with a data list")
	}

	keys := make([]string, 0, len(data))
	for _, item := range data {
		key, score, ok := pair(item)
		if !ok || math.IsNaN(score) || score <= threshold {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Restrict keeps the keys that are among options, dropping repeats, and
// stops after n of them when n > 0.
func Restrict(keys, options []string, n int) []string {
	known := make(map[string]struct{}, len(options))
	for _, o := range options {
		known[o] = struct{}{}
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := known[key]; !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

func pair(item any) (string, float64, bool) {
	tuple, ok := item.([]any)
	if !ok || len(tuple) < 2 {
		return "", 0, false
	}
	key, ok := tuple[0].(string)
	if !ok {
		return "", 0, false
	}
	key = strings.TrimSpace(key)
	switch s := tuple[1].(type) {
	case float64:
		return key, s, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return "", 0, false
		}
		return key, f, true
	default:
		return "", 0, false
	}
}

func malformed(parsed any, reason string) error {
	raw, err := json.Marshal(parsed)
	if err != nil {
		raw = []byte(fmt.Sprint(parsed))
	}
	return &anchor.MalformedOutputError{Raw: string(raw), Err: errors.New(reason)}
}
