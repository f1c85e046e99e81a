package recipe

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glimte/mmate-saga/internal/naming"
)

const (
	processedSuffix     = "processed"
	unrecoverableSuffix = "unrecoverable"
)

// RouteKind tells the dispatcher what a key stands for
type RouteKind int

const (
	RouteStart RouteKind = iota
	RouteStep
	RouteProcessed
	RouteUnrecoverable
	RouteTrigger
)

func (k RouteKind) String() string {
	switch k {
	case RouteStart:
		return "start"
	case RouteStep:
		return "step"
	case RouteProcessed:
		return "processed"
	case RouteUnrecoverable:
		return "unrecoverable"
	case RouteTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

// Route describes a resolved key
type Route struct {
	Kind      RouteKind
	Key       string
	Namespace Namespace
	Name      string
	// Step is the "verb.name" part of step and unrecoverable keys
	Step string
	// Target is the "<namespace>.<name>" a trigger starts
	Target string
}

// Recipe returns "<namespace>.<name>" of the route's recipe
func (r Route) Recipe() string {
	return string(r.Namespace) + "." + r.Name
}

type entry struct {
	route   Route
	handler Handler
	trigger TriggerHandler
	next    string
	url     string
}

// Graph is the compiled, immutable dispatch table of all recipes and triggers
type Graph struct {
	entries       map[string]*entry
	recipes       map[string]Recipe
	first         map[string]string
	keys          []string
	triggerKeys   []string
	processedKeys []string
}

// Build compiles recipes and triggers into a Graph
func Build(recipes []Recipe, triggers []Trigger) (*Graph, error) {
	g := &Graph{
		entries: make(map[string]*entry),
		recipes: make(map[string]Recipe),
		first:   make(map[string]string),
	}

	type pending struct {
		recipe Recipe
		index  int
		target string
	}
	var borrowed []pending
	chains := make(map[string][]string)

	for _, r := range recipes {
		if err := r.validate(); err != nil {
			return nil, err
		}
		rk := r.Key()
		if _, exists := g.recipes[rk]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRecipe, rk)
		}
		g.recipes[rk] = r

		if err := g.add(&entry{
			route: Route{Kind: RouteStart, Key: rk, Namespace: r.Namespace, Name: r.Name},
			url:   naming.Path(string(r.Namespace), r.Name),
		}); err != nil {
			return nil, err
		}

		chain := make([]string, len(r.Sequence))
		for i, step := range r.Sequence {
			if isBorrowed(step.Key) {
				borrowed = append(borrowed, pending{recipe: r, index: i, target: step.Key})
				continue
			}
			if _, _, err := splitStepKey(step.Key); err != nil {
				return nil, fmt.Errorf("%s: %w", rk, err)
			}
			if step.Handler == nil {
				return nil, fmt.Errorf("%w: %s.%s has no handler", ErrInvalidRecipe, rk, step.Key)
			}
			key := rk + "." + step.Key
			if err := g.add(g.stepEntry(r, key, step.Key, step.Handler)); err != nil {
				return nil, err
			}
			chain[i] = key
		}
		chains[rk] = chain
	}

	// Borrowed keys may point at other borrowed keys, so resolve until no progress is made.
	for len(borrowed) > 0 {
		var unresolved []pending
		for _, p := range borrowed {
			target, ok := g.entries[p.target]
			if !ok || target.route.Kind != RouteStep || target.handler == nil {
				unresolved = append(unresolved, p)
				continue
			}
			rk := p.recipe.Key()
			key := rk + "." + target.route.Step
			if err := g.add(g.stepEntry(p.recipe, key, target.route.Step, target.handler)); err != nil {
				return nil, err
			}
			chains[rk][p.index] = key
		}
		if len(unresolved) == len(borrowed) {
			return nil, fmt.Errorf("%w: %s in %s", ErrUnknownBorrowedKey, unresolved[0].target, unresolved[0].recipe.Key())
		}
		borrowed = unresolved
	}

	for rk, chain := range chains {
		r := g.recipes[rk]
		processed := rk + "." + processedSuffix
		if err := g.add(&entry{
			route: Route{Kind: RouteProcessed, Key: processed, Namespace: r.Namespace, Name: r.Name},
			url:   naming.Path(string(r.Namespace), r.Name, processedSuffix),
		}); err != nil {
			return nil, err
		}
		g.processedKeys = append(g.processedKeys, processed)
		g.first[rk] = chain[0]

		for i, key := range chain {
			if i+1 < len(chain) {
				g.entries[key].next = chain[i+1]
			} else {
				g.entries[key].next = processed
			}
			if len(r.Unrecoverable) == 0 {
				continue
			}
			step := g.entries[key].route.Step
			unrecoverable := &entry{
				route:   Route{Kind: RouteUnrecoverable, Key: key + "." + unrecoverableSuffix, Namespace: r.Namespace, Name: r.Name, Step: step},
				handler: r.Unrecoverable[0].Handler,
				next:    processed,
				url:     naming.Path(string(r.Namespace), r.Name, stepPath(step), unrecoverableSuffix),
			}
			if err := g.add(unrecoverable); err != nil {
				return nil, err
			}
			if err := g.add(&entry{
				route: Route{Kind: RouteProcessed, Key: unrecoverable.route.Key + "." + processedSuffix, Namespace: r.Namespace, Name: r.Name, Step: step},
				url:   naming.Path(string(r.Namespace), r.Name, stepPath(step), unrecoverableSuffix, processedSuffix),
			}); err != nil {
				return nil, err
			}
		}

		if r.Namespace == NamespaceSequence || r.Namespace == NamespaceEvent {
			key := string(NamespaceTrigger) + "." + rk
			if err := g.add(&entry{
				route: Route{Kind: RouteTrigger, Key: key, Target: rk},
				url:   naming.Path(string(NamespaceTrigger), string(r.Namespace), r.Name),
			}); err != nil {
				return nil, err
			}
		}
	}

	for _, t := range triggers {
		if err := g.addTrigger(t); err != nil {
			return nil, err
		}
	}

	for key, e := range g.entries {
		g.keys = append(g.keys, key)
		if e.route.Kind == RouteTrigger {
			g.triggerKeys = append(g.triggerKeys, key)
		}
	}
	sort.Strings(g.keys)
	sort.Strings(g.triggerKeys)
	sort.Strings(g.processedKeys)

	return g, nil
}

func (g *Graph) stepEntry(r Recipe, key, step string, handler Handler) *entry {
	return &entry{
		route:   Route{Kind: RouteStep, Key: key, Namespace: r.Namespace, Name: r.Name, Step: step},
		handler: handler,
		url:     naming.Path(string(r.Namespace), r.Name, stepPath(step)),
	}
}

// stepPath turns "verb.name" into the "verb/name" route segment
func stepPath(step string) string {
	return strings.Replace(step, ".", "/", 1)
}

func (g *Graph) addTrigger(t Trigger) error {
	if !namePattern.MatchString(t.Name) {
		return fmt.Errorf("%w: name %q does not match %s", ErrInvalidTrigger, t.Name, namePattern)
	}
	if t.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTrigger, t.Key())
	}
	return g.add(&entry{
		route:   Route{Kind: RouteTrigger, Key: t.Key()},
		trigger: t.Handler,
		url:     naming.Path(string(NamespaceTrigger), t.Name),
	})
}

func (g *Graph) add(e *entry) error {
	if _, exists := g.entries[e.route.Key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, e.route.Key)
	}
	g.entries[e.route.Key] = e
	return nil
}

// First returns the first step key of a recipe
func (g *Graph) First(namespace Namespace, name string) (string, bool) {
	key, ok := g.first[string(namespace)+"."+name]
	return key, ok
}

// FirstOf returns the first step key of the recipe "<namespace>.<name>"
func (g *Graph) FirstOf(recipeKey string) (string, bool) {
	key, ok := g.first[recipeKey]
	return key, ok
}

// Next returns the key that follows key. False means key is terminal or unknown.
func (g *Graph) Next(key string) (string, bool) {
	e, ok := g.entries[key]
	if !ok || e.next == "" {
		return "", false
	}
	return e.next, true
}

// Handler returns the step handler for key, or nil
func (g *Graph) Handler(key string) Handler {
	e, ok := g.entries[key]
	if !ok || e.route.Kind != RouteStep {
		return nil
	}
	return e.handler
}

// UnrecoverableHandler returns the unrecoverable handler for a step key or its unrecoverable route
func (g *Graph) UnrecoverableHandler(key string) Handler {
	if !strings.HasSuffix(key, "."+unrecoverableSuffix) {
		key += "." + unrecoverableSuffix
	}
	e, ok := g.entries[key]
	if !ok || e.route.Kind != RouteUnrecoverable {
		return nil
	}
	return e.handler
}

// TriggerHandler returns the custom handler of a trigger key, or nil for built-in triggers
func (g *Graph) TriggerHandler(key string) TriggerHandler {
	e, ok := g.entries[key]
	if !ok {
		return nil
	}
	return e.trigger
}

// Resolve classifies key
func (g *Graph) Resolve(key string) (Route, bool) {
	e, ok := g.entries[key]
	if !ok {
		return Route{}, false
	}
	return e.route, true
}

// ProcessedKey returns the processed key of the recipe owning key
func (g *Graph) ProcessedKey(key string) (string, bool) {
	e, ok := g.entries[key]
	if !ok || e.route.Kind == RouteTrigger {
		return "", false
	}
	return e.route.Recipe() + "." + processedSuffix, true
}

// URL returns the route path of key relative to the versioned root
func (g *Graph) URL(key string) (string, bool) {
	e, ok := g.entries[key]
	if !ok {
		return "", false
	}
	return e.url, true
}

// ExecutionDelay returns the delay configured for the recipe owning key
func (g *Graph) ExecutionDelay(key string) time.Duration {
	e, ok := g.entries[key]
	if !ok || e.route.Kind == RouteTrigger {
		return 0
	}
	return g.recipes[e.route.Recipe()].ExecutionDelay
}

// Keys returns every dispatchable key
func (g *Graph) Keys() []string {
	return append([]string(nil), g.keys...)
}

// TriggerKeys returns the externally-subscribable trigger keys
func (g *Graph) TriggerKeys() []string {
	return append([]string(nil), g.triggerKeys...)
}

// ProcessedKeys returns the processed key of every recipe
func (g *Graph) ProcessedKeys() []string {
	return append([]string(nil), g.processedKeys...)
}
