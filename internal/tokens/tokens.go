// Package tokens counts tokens in agent prompts and responses.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Count is the token count of a text.
type Count struct {
	Tokens int `json:"tokens"`
	// Estimated is set when no tokenizer for the model was available.
	Estimated bool `json:"estimated,omitempty"`
}

// Counter counts tokens for the models it supports.
type Counter interface {
	CountText(model, text string) (Count, error)
	SupportsModel(model string) bool
}

// Registry picks the first registered counter that supports a model and
// falls back to an Estimator otherwise.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with Tiktoken registered.
func NewRegistry() *Registry {
	r := &Registry{fallback: NewEstimator()}
	r.Register(NewTiktoken())
	return r
}

func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// CountText never fails: counter errors fall back to the estimate.
func (r *Registry) CountText(model, text string) Count {
	for _, counter := range r.counters {
		if !counter.SupportsModel(model) {
			continue
		}
		if c, err := counter.CountText(model, text); err == nil {
			return c
		}
		break
	}
	c, _ := r.fallback.CountText(model, text)
	return c
}

// families maps OpenAI model prefixes to their BPE encoding. Longer
// prefixes come first.
var families = []struct {
	prefix   string
	encoding tokenizer.Encoding
}{
	{"gpt-4o", tokenizer.O200kBase},
	{"gpt-4.1", tokenizer.O200kBase},
	{"gpt-5", tokenizer.O200kBase},
	{"o1", tokenizer.O200kBase},
	{"o3", tokenizer.O200kBase},
	{"o4", tokenizer.O200kBase},
	{"gpt-4", tokenizer.Cl100kBase},
	{"gpt-3.5", tokenizer.Cl100kBase},
	{"text-embedding", tokenizer.Cl100kBase},
}

func encodingFor(model string) (tokenizer.Encoding, bool) {
	model = strings.ToLower(model)
	for _, f := range families {
		if strings.HasPrefix(model, f.prefix) {
			return f.encoding, true
		}
	}
	return "", false
}

// Tiktoken counts tokens exactly for OpenAI model families.
type Tiktoken struct {
	mu     sync.Mutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

func NewTiktoken() *Tiktoken {
	return &Tiktoken{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (t *Tiktoken) SupportsModel(model string) bool {
	_, ok := encodingFor(model)
	return ok
}

func (t *Tiktoken) CountText(model, text string) (Count, error) {
	enc, ok := encodingFor(model)
	if !ok {
		return Count{}, fmt.Errorf("no encoding for model %q", model)
	}
	codec, err := t.codec(enc)
	if err != nil {
		return Count{}, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return Count{}, err
	}
	return Count{Tokens: len(ids)}, nil
}

func (t *Tiktoken) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.codecs[enc]; ok {
		return c, nil
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", enc, err)
	}
	t.codecs[enc] = c
	return c, nil
}

// Estimator approximates token counts from text length. It is used for
// Claude and other models without a public tokenizer.
type Estimator struct {
	CharsPerToken float64
}

func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

func (e *Estimator) CountText(model, text string) (Count, error) {
	if text == "" {
		return Count{Estimated: true}, nil
	}
	n := max(int(float64(len(text))/e.CharsPerToken+0.5), 1)
	return Count{Tokens: n, Estimated: true}, nil
}

func (e *Estimator) SupportsModel(model string) bool {
	return true
}
