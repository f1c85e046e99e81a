// Package recipe compiles declared sequences and triggers into an immutable dispatch table.
//
// A Recipe lists the steps of one workflow in order. Build validates every
// recipe and produces a Graph that answers, by fully-qualified key:
//   - First: the first step of a recipe
//   - Next: the step that follows, ending with the synthetic "processed" key
//   - Handler and UnrecoverableHandler: the functions to run
//   - Resolve: whether a key is a start, step, processed, unrecoverable or trigger route
//
// Keys have the shape "<namespace>.<name>.<verb>.<step>". A step may borrow
// another recipe's fully-qualified key; the handler is taken from the target
// while the position in the chain stays local.
package recipe
