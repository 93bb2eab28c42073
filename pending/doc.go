// Package pending parks actions that wait for human approval.
//
// A PendingAction is fully described by its signed token: the Store encodes
// {actionName, params, runId, createdAt, expiresAt} with a token.Codec and
// verifies it on resume without any server-side record. A ReplayGuard can be
// plugged in to make tokens single-use; it stores only token digests and
// their expiry, never run state.
package pending
