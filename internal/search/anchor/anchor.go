// Package anchor extracts a JSON payload from streamed model output.
//
// Models are asked to wrap their answer in <NAME>...</NAME>. The stream is
// consumed until the closing tag arrives and no further; the payload is then
// taken from a ```json fence if the model added one, else from between the
// tags, else from the whole text.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// DefaultName is the anchor tag used when callers do not choose one.
const DefaultName = "OUTPUT"

const jsonFence = "```json"

var (
	// ErrMalformedModelOutput marks payloads that are not valid JSON.
	ErrMalformedModelOutput = errors.New("malformed model output")

	// ErrEmptyResult marks payloads that decode to an empty container.
	ErrEmptyResult = errors.New("empty model result")

	// ErrCompletion marks failures of the underlying stream.
	ErrCompletion = errors.New("completion stream failed")
)

// MalformedOutputError carries the raw payload that failed to decode.
type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrMalformedModelOutput, e.Err)
	}
	return ErrMalformedModelOutput.Error()
}

func (e *MalformedOutputError) Is(target error) bool {
	return target == ErrMalformedModelOutput
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// Tags returns the opening and closing markers for name.
func Tags(name string) (open, closing string) {
	return "<" + name + ">", "</" + name + ">"
}

// Extract consumes chunks until the anchor closes (or the stream ends) and
// decodes the payload. Breaking out of the range releases the stream.
func Extract(ctx context.Context, chunks iter.Seq2[string, error], name string) (any, error) {
	buf, err := Collect(ctx, chunks, name)
	if err != nil {
		return nil, err
	}
	return Decode(Payload(buf, name))
}

// Collect accumulates chunks in two phases: until the opening tag is seen,
// then until a closing tag follows it.
func Collect(ctx context.Context, chunks iter.Seq2[string, error], name string) (string, error) {
	open, closing := Tags(name)
	var b strings.Builder
	openAt := -1

	for chunk, err := range chunks {
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrCompletion, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		b.WriteString(chunk)

		text := b.String()
		if openAt < 0 {
			openAt = strings.Index(text, open)
			if openAt < 0 {
				continue
			}
		}
		if strings.Contains(text[openAt+len(open):], closing) {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Payload selects the JSON text from buf by precedence: fenced json block,
// text between the anchor tags, whole buffer. A fence that wraps the anchor
// tags is narrowed to the anchored text.
func Payload(buf, name string) string {
	open, closing := Tags(name)
	if i := strings.Index(buf, jsonFence); i >= 0 {
		rest := buf[i+len(jsonFence):]
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		if inner, ok := between(rest, open, closing); ok {
			return inner
		}
		return strings.TrimSpace(rest)
	}
	if inner, ok := between(buf, open, closing); ok {
		return inner
	}
	return strings.TrimSpace(buf)
}

func between(s, open, closing string) (string, bool) {
	i := strings.Index(s, open)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(open):]
	end := strings.Index(rest, closing)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// Decode parses payload and rejects empty results. Only objects and arrays
// are accepted as results.
func Decode(payload string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, &MalformedOutputError{Raw: payload, Err: err}
	}
	switch t := v.(type) {
	case nil:
		return nil, ErrEmptyResult
	case map[string]any:
		if len(t) == 0 {
			return nil, ErrEmptyResult
		}
	case []any:
		if len(t) == 0 {
			return nil, ErrEmptyResult
		}
	case string:
		if t == "" {
			return nil, ErrEmptyResult
		}
		return nil, &MalformedOutputError{Raw: payload, Err: errors.New("expected a JSON object or array")}
	default:
		return nil, &MalformedOutputError{Raw: payload, Err: errors.New("expected a JSON object or array")}
	}
	return v, nil
}
