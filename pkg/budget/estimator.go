package budget

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// Estimator approximates the number of tokens a provider charges for text.
type Estimator interface {
	Estimate(text string) (int, error)
}

type EstimatorFunc func(text string) (int, error)

func (f EstimatorFunc) Estimate(text string) (int, error) {
	return f(text)
}

const DefaultCharsPerToken = 4

// Heuristic counts characters and divides by a fixed ratio. It never fails.
type Heuristic struct {
	CharsPerToken int
}

func (h Heuristic) Estimate(text string) (int, error) {
	return h.count(text), nil
}

func (h Heuristic) count(text string) int {
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = DefaultCharsPerToken
	}
	return utf8.RuneCountInString(text) / cpt
}

// TokenizerEstimator counts exact BPE tokens with the codec of an OpenAI model.
type TokenizerEstimator struct {
	codec tokenizer.Codec
}

// NewTokenizerEstimator picks the codec registered for model, falling back to
// cl100k_base for models the tokenizer package does not know about.
func NewTokenizerEstimator(model string) (*TokenizerEstimator, error) {
	codec, err := CodecForModel(model)
	if err != nil {
		return nil, err
	}
	return &TokenizerEstimator{codec: codec}, nil
}

func (t *TokenizerEstimator) Estimate(text string) (int, error) {
	if t == nil || t.codec == nil {
		return 0, errors.New("tokenizer estimator: no codec")
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "tokenizer estimator: encode")
	}
	return len(ids), nil
}

func (t *TokenizerEstimator) CodecName() string {
	if t == nil || t.codec == nil {
		return ""
	}
	return t.codec.GetName()
}

var (
	codecMu    sync.Mutex
	codecCache = map[string]tokenizer.Codec{}
)

// CodecForModel returns a cached codec for a provider model name.
func CodecForModel(model string) (tokenizer.Codec, error) {
	model = strings.TrimSpace(model)
	codecMu.Lock()
	defer codecMu.Unlock()
	if c, ok := codecCache[model]; ok {
		return c, nil
	}
	c, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		c, err = tokenizer.Get(defaultEncodingFor(model))
		if err != nil {
			return nil, errors.Wrapf(err, "no codec for model %q", model)
		}
	}
	codecCache[model] = c
	return c, nil
}

// CodecByName returns the codec for an explicit encoding such as "cl100k_base".
func CodecByName(name string) (tokenizer.Codec, error) {
	c, err := tokenizer.Get(tokenizer.Encoding(name))
	if err != nil {
		return nil, errors.Wrapf(err, "unknown encoding %q", name)
	}
	return c, nil
}

func defaultEncodingFor(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5-turbo"), strings.HasPrefix(model, "text-embedding-ada-002"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci-002"), strings.HasPrefix(model, "text-davinci-003"):
		return tokenizer.P50kBase
	default:
		return tokenizer.Cl100kBase
	}
}
