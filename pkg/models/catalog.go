// Package models maps public model identifiers onto provider families.
//
// Each entry names the family that serves it, the concrete model name sent
// to that provider and the total context capacity in tokens. Adding a
// provider family means adding a Family constant and its catalog entries;
// callers dispatch on Spec.Family and never on the id itself.
package models

import (
	"sort"
	"strings"
	"sync"
)

type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
)

// DefaultContextTokens applies to provider models without a known capacity.
const DefaultContextTokens = 4096

const DefaultModel = "alpha-origin"

type Spec struct {
	ID            string
	Family        Family
	ProviderModel string
	ContextTokens int
}

type Catalog struct {
	mu           sync.RWMutex
	specs        map[string]Spec
	defaultModel string
}

func NewCatalog(defaultModel string, specs ...Spec) *Catalog {
	c := &Catalog{specs: map[string]Spec{}, defaultModel: defaultModel}
	for _, s := range specs {
		c.Register(s)
	}
	return c
}

// Builtin returns the catalog of models served out of the box.
func Builtin() *Catalog {
	return NewCatalog(DefaultModel,
		Spec{ID: "alpha-origin", Family: FamilyOpenAI, ProviderModel: "gpt-3.5-turbo", ContextTokens: 4096},
		Spec{ID: "alpha-prime", Family: FamilyOpenAI, ProviderModel: "gpt-4-turbo", ContextTokens: 128000},
		Spec{ID: "gpt-4", Family: FamilyOpenAI, ProviderModel: "gpt-4", ContextTokens: 8192},
		Spec{ID: "gpt-4-turbo", Family: FamilyOpenAI, ProviderModel: "gpt-4-turbo", ContextTokens: 128000},
		Spec{ID: "gpt-3.5-turbo", Family: FamilyOpenAI, ProviderModel: "gpt-3.5-turbo", ContextTokens: 4096},
		Spec{ID: "claude-3-opus", Family: FamilyAnthropic, ProviderModel: "claude-3-opus-20240229", ContextTokens: 200000},
		Spec{ID: "claude-3-sonnet", Family: FamilyAnthropic, ProviderModel: "claude-3-sonnet-20240229", ContextTokens: 200000},
	)
}

func (c *Catalog) Register(s Spec) {
	if s.ContextTokens <= 0 {
		s.ContextTokens = DefaultContextTokens
	}
	c.mu.Lock()
	c.specs[strings.TrimSpace(s.ID)] = s
	c.mu.Unlock()
}

func (c *Catalog) Lookup(id string) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[strings.TrimSpace(id)]
	return s, ok
}

// ResolveOrDefault returns the spec for id, or the default model's spec when
// id is unknown. The boolean reports whether id itself was found.
func (c *Catalog) ResolveOrDefault(id string) (Spec, bool) {
	if s, ok := c.Lookup(id); ok {
		return s, true
	}
	s, _ := c.Lookup(c.defaultModel)
	return s, false
}

func (c *Catalog) Default() string {
	return c.defaultModel
}

// ContextTokens returns the capacity for a public id or a provider model name.
func (c *Catalog) ContextTokens(model string) int {
	if s, ok := c.Lookup(model); ok {
		return s.ContextTokens
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.specs {
		if s.ProviderModel == model {
			return s.ContextTokens
		}
	}
	return DefaultContextTokens
}

// FamilyOf reports the family serving a public id or provider model name.
func (c *Catalog) FamilyOf(model string) (Family, bool) {
	if s, ok := c.Lookup(model); ok {
		return s.Family, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.specs {
		if s.ProviderModel == model {
			return s.Family, true
		}
	}
	return "", false
}

func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ret := make([]string, 0, len(c.specs))
	for id := range c.specs {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}
