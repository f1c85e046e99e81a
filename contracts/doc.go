// Package contracts defines the wire-level types shared by every part of the saga engine.
//
// This package holds the values that cross process boundaries:
//   - Message: the envelope carried from step to step, with its append-only data list
//   - Attributes: the dispatch context derived from transport headers
//   - Result: the closed set of outcomes a step handler can return
//   - StepError: classified failures (rejected, retry, unrecoverable, validation)
//   - ErrorBody: the small typed body returned to callers on failure
//
// Messages are plain JSON so they can be stored by any JobStore backend and
// published on any transport binding.
package contracts
