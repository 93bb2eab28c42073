// Package model is the provider-neutral language model layer used by the
// brain action.
//
// A Model streams Responses for a Request. Partial responses carry text
// deltas; the final response carries the full assistant Content including
// any function calls. Errors marked with Retryable may be retried by callers
// as long as no response has been received.
//
// Adapters live in model/openai and model/anthropic. MockModel serves tests
// and the demo server.
package model
