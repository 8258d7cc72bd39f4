package provider

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/budget"
	"github.com/go-go-golems/switchboard/pkg/chat"
	"github.com/go-go-golems/switchboard/pkg/models"
)

const (
	MaxTitleLength = 50

	titleSystemPrompt = "You generate short, descriptive titles for conversations. Keep titles under 50 characters and make them descriptive but concise."
	titleSeedLimit    = 200
)

// RetryPolicy bounds the retry loop around opening a provider call.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 4 * time.Second,
		MaxInterval:     10 * time.Second,
	}
}

type Gateway struct {
	catalog  *models.Catalog
	budgeter *budget.Budgeter

	mu       sync.RWMutex
	families map[models.Family]Family

	retry      RetryPolicy
	titleModel string
}

type GatewayOption func(*Gateway)

func WithRetryPolicy(p RetryPolicy) GatewayOption {
	return func(g *Gateway) { g.retry = p }
}

func WithTitleModel(model string) GatewayOption {
	return func(g *Gateway) { g.titleModel = model }
}

func WithFamily(f Family) GatewayOption {
	return func(g *Gateway) { g.families[f.Name()] = f }
}

func NewGateway(catalog *models.Catalog, budgeter *budget.Budgeter, opts ...GatewayOption) *Gateway {
	if catalog == nil {
		catalog = models.Builtin()
	}
	if budgeter == nil {
		budgeter = budget.NewBudgeter(catalog)
	}
	g := &Gateway{
		catalog:    catalog,
		budgeter:   budgeter,
		families:   map[models.Family]Family{},
		retry:      DefaultRetryPolicy(),
		titleModel: catalog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Register(f Family) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.families[f.Name()] = f
}

func (g *Gateway) Catalog() *models.Catalog {
	return g.catalog
}

func (g *Gateway) resolve(model string) (models.Spec, Family, error) {
	spec, ok := g.catalog.Lookup(model)
	if !ok {
		return models.Spec{}, nil, errors.Wrapf(ErrUnknownModel, "%q", model)
	}
	g.mu.RLock()
	f, ok := g.families[spec.Family]
	g.mu.RUnlock()
	if !ok {
		return spec, nil, errors.Wrapf(ErrFamilyNotConfigured, "%s for model %s", spec.Family, spec.ID)
	}
	return spec, f, nil
}

// shape fits the history into the model's context and builds the family call.
func (g *Gateway) shape(spec models.Spec, req Request) (Call, error) {
	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputTokens
	}
	temp := req.Temperature
	if temp < 0 {
		temp = DefaultTemperature
	}

	turns := g.budgeter.Fit(req.Turns, spec.ID, maxOut, req.System)
	if len(req.Turns) > 0 && len(turns) == 0 {
		return Call{}, errors.Wrapf(ErrContextExhausted, "model %s", spec.ID)
	}

	call := Call{
		Model:           spec.ProviderModel,
		System:          req.System,
		Messages:        make([]Message, 0, len(turns)),
		Temperature:     temp,
		MaxOutputTokens: maxOut,
	}
	for _, t := range turns {
		call.Messages = append(call.Messages, Message{Role: t.Role, Content: t.Text})
	}
	return call, nil
}

func (g *Gateway) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.InitialInterval
	b.MaxInterval = g.retry.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	attempts := g.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// withRetry runs fn until it succeeds, fails permanently, or the attempt
// budget is spent. The last error is returned in the latter two cases.
func (g *Gateway) withRetry(ctx context.Context, op string, model string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, g.newBackOff(ctx), func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("component", "provider").
			Str("op", op).
			Str("model", model).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("transient provider error, retrying")
	})
}

// Generate runs a non-streaming call. Transient failures that survive every
// retry produce a degraded Result with ApologyText and ReasonError instead of
// an error; permanent failures are returned as errors.
func (g *Gateway) Generate(ctx context.Context, req Request) (Result, error) {
	spec, f, err := g.resolve(req.Model)
	if err != nil {
		return Result{}, err
	}
	call, err := g.shape(spec, req)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = g.withRetry(ctx, "generate", spec.ID, func() error {
		r, err := f.Generate(ctx, call)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if IsTransient(err) {
			log.Error().Err(err).Str("component", "provider").Str("model", spec.ID).Msg("provider retries exhausted, returning fallback")
			return Result{Text: ApologyText, Reason: ReasonError, Model: spec.ID, Degraded: true}, nil
		}
		return Result{}, errors.Wrapf(err, "generate with %s", spec.ID)
	}
	res.Model = spec.ID
	if res.Reason == ReasonNone {
		res.Reason = ReasonStop
	}
	return res, nil
}

// GenerateStream opens a stream, retrying transient failures to open it.
// Failures after the first chunk end the stream with a ReasonError chunk and
// are not retried. When retries run out the returned stream holds a single
// ReasonError terminal chunk carrying ApologyText and ErrProviderUnavailable.
func (g *Gateway) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	spec, f, err := g.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	call, err := g.shape(spec, req)
	if err != nil {
		return nil, err
	}

	var s Stream
	err = g.withRetry(ctx, "stream", spec.ID, func() error {
		opened, err := f.GenerateStream(ctx, call)
		if err != nil {
			return err
		}
		s = opened
		return nil
	})
	if err != nil {
		if IsTransient(err) {
			log.Error().Err(err).Str("component", "provider").Str("model", spec.ID).Msg("provider retries exhausted, returning fallback stream")
			return degradedStream(), nil
		}
		return nil, errors.Wrapf(err, "stream with %s", spec.ID)
	}
	return newTerminalGuard(s, spec.ID), nil
}

// GenerateTitle asks the title model for a short title of a conversation
// seeded with text. It makes a single attempt and returns chat.DefaultTitle
// on any failure.
func (g *Gateway) GenerateTitle(ctx context.Context, seed string) string {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return chat.DefaultTitle
	}
	if utf8.RuneCountInString(seed) > titleSeedLimit {
		seed = string([]rune(seed)[:titleSeedLimit])
	}

	spec, f, err := g.resolve(g.titleModel)
	if err != nil {
		log.Warn().Err(err).Str("component", "provider").Msg("title model unavailable")
		return chat.DefaultTitle
	}
	call := Call{
		Model:  spec.ProviderModel,
		System: titleSystemPrompt,
		Messages: []Message{{
			Role:    chat.RoleUser,
			Content: "Generate a short, descriptive title (max 50 characters) for a conversation that starts with: '" + seed + "'",
		}},
		Temperature:     0.3,
		MaxOutputTokens: 50,
	}
	res, err := f.Generate(ctx, call)
	if err != nil {
		log.Warn().Err(err).Str("component", "provider").Str("model", spec.ID).Msg("title generation failed")
		return chat.DefaultTitle
	}
	return CleanTitle(res.Text)
}

// CleanTitle strips surrounding quotes and cuts to MaxTitleLength runes.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	s = strings.Trim(s, `'`)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxTitleLength {
		s = strings.TrimSpace(string([]rune(s)[:MaxTitleLength]))
	}
	if s == "" {
		return chat.DefaultTitle
	}
	return s
}
