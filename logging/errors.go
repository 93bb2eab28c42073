package logging

import (
	"fmt"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code and context.
// For standard errors, it logs the error string.
func LogError(logger Logger, msg string, err error, args ...any) {
	if logger == nil || err == nil {
		return
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := append([]any{"error", oopsErr.Error()}, args...)
		if code := fmt.Sprint(oopsErr.Code()); code != "" && code != "<nil>" {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		logger.Error(msg, attrs...)
		return
	}
	logger.Error(msg, append([]any{"error", err.Error()}, args...)...)
}
