package recipe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/glimte/mmate-saga/contracts"
)

var (
	// ErrInvalidRecipe is returned for a malformed namespace, name, verb or step list
	ErrInvalidRecipe = errors.New("recipe: invalid recipe")
	// ErrDuplicateRecipe is returned when two recipes share namespace and name
	ErrDuplicateRecipe = errors.New("recipe: duplicate recipe")
	// ErrDuplicateStep is returned when a key is declared twice
	ErrDuplicateStep = errors.New("recipe: duplicate step key")
	// ErrInvalidUnrecoverable is returned when the unrecoverable entry is not a single "*" step
	ErrInvalidUnrecoverable = errors.New("recipe: unrecoverable handler must use the \"*\" key")
	// ErrUnknownBorrowedKey is returned when a borrowed key does not resolve
	ErrUnknownBorrowedKey = errors.New("recipe: borrowed key does not resolve")
	// ErrInvalidTrigger is returned for a malformed trigger declaration
	ErrInvalidTrigger = errors.New("recipe: invalid trigger")
)

// Namespace groups recipes by how they are started
type Namespace string

const (
	NamespaceEvent       Namespace = "event"
	NamespaceAction      Namespace = "action"
	NamespaceSequence    Namespace = "sequence"
	NamespaceSubSequence Namespace = "sub-sequence"
	// NamespaceTrigger prefixes trigger keys; recipes cannot be declared in it
	NamespaceTrigger Namespace = "trigger"
)

// Valid reports whether recipes may be declared in the namespace
func (n Namespace) Valid() bool {
	switch n {
	case NamespaceEvent, NamespaceAction, NamespaceSequence, NamespaceSubSequence:
		return true
	}
	return false
}

// Verbs allowed as the first segment of a local step key
var Verbs = []string{
	"get-or-create",
	"get",
	"update",
	"upsert",
	"delete",
	"validate",
	"perform",
	"trigger-sub-sequence",
}

// UnrecoverableKey is the only key accepted for the unrecoverable handler
const UnrecoverableKey = "*"

var namePattern = regexp.MustCompile(`^[a-z0-9][-a-z0-9.]*$`)

// Handler runs one step. A nil Result advances without appending.
type Handler func(ctx context.Context, msg *contracts.Message, sc *contracts.StepContext) (contracts.Result, error)

// TriggerHandler turns an inbound message into seed messages for a workflow.
// Returning nil means there is nothing to do.
type TriggerHandler func(ctx context.Context, msg *contracts.Message, sc *contracts.StepContext) (*contracts.Trigger, error)

// Step is one entry of a recipe's sequence
type Step struct {
	// Key is "verb.name" or the fully-qualified key of another recipe's step
	Key     string
	Handler Handler
}

// Recipe declares a named, ordered list of steps
type Recipe struct {
	Namespace     Namespace
	Name          string
	Sequence      []Step
	Unrecoverable []Step
	// ExecutionDelay delays every task of a sub-sequence
	ExecutionDelay time.Duration
}

// Key returns "<namespace>.<name>"
func (r Recipe) Key() string {
	return string(r.Namespace) + "." + r.Name
}

// Trigger declares a custom entry point reachable at "trigger.<name>"
type Trigger struct {
	Name    string
	Handler TriggerHandler
}

// Key returns "trigger.<name>"
func (t Trigger) Key() string {
	return string(NamespaceTrigger) + "." + t.Name
}

func validVerb(verb string) bool {
	for _, v := range Verbs {
		if v == verb {
			return true
		}
	}
	return false
}

// isBorrowed reports whether a step key references another recipe
func isBorrowed(key string) bool {
	ns, _, ok := strings.Cut(key, ".")
	return ok && Namespace(ns).Valid()
}

// splitStepKey validates a local "verb.name" key
func splitStepKey(key string) (verb, name string, err error) {
	verb, name, ok := strings.Cut(key, ".")
	if !ok || !validVerb(verb) {
		return "", "", fmt.Errorf("%w: step %q must start with one of %s", ErrInvalidRecipe, key, strings.Join(Verbs, ", "))
	}
	if !namePattern.MatchString(name) {
		return "", "", fmt.Errorf("%w: step name %q does not match %s", ErrInvalidRecipe, name, namePattern)
	}
	return verb, name, nil
}

func (r Recipe) validate() error {
	if !r.Namespace.Valid() {
		return fmt.Errorf("%w: unknown namespace %q", ErrInvalidRecipe, r.Namespace)
	}
	if !namePattern.MatchString(r.Name) {
		return fmt.Errorf("%w: name %q does not match %s", ErrInvalidRecipe, r.Name, namePattern)
	}
	if len(r.Sequence) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidRecipe, r.Key())
	}
	if r.ExecutionDelay < 0 || (r.ExecutionDelay > 0 && r.Namespace != NamespaceSubSequence) {
		return fmt.Errorf("%w: %s: execution delay is only allowed on sub-sequences", ErrInvalidRecipe, r.Key())
	}
	switch len(r.Unrecoverable) {
	case 0:
	case 1:
		if r.Unrecoverable[0].Key != UnrecoverableKey {
			return fmt.Errorf("%w: %s uses %q", ErrInvalidUnrecoverable, r.Key(), r.Unrecoverable[0].Key)
		}
		if r.Unrecoverable[0].Handler == nil {
			return fmt.Errorf("%w: %s unrecoverable handler is nil", ErrInvalidRecipe, r.Key())
		}
	default:
		return fmt.Errorf("%w: %s declares %d entries", ErrInvalidUnrecoverable, r.Key(), len(r.Unrecoverable))
	}
	return nil
}
