package stream

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/logging"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes int64 = 1 << 20

// Options configures Handler.
type Options struct {
	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Logger defaults to a NoOp logger.
	Logger logging.Logger
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Handler serves POST requests carrying a core.Request as JSON and streams
// the resulting run as SSE.
func Handler(runner core.Runner, optFns ...func(o *Options)) http.Handler {
	opts := Options{MaxBodyBytes: DefaultMaxBodyBytes, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is supported")
			return
		}

		var req core.Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, opts.MaxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				WriteError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
				return
			}
			WriteError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be a JSON object")
			return
		}
		if !req.Event.Valid() {
			WriteError(w, http.StatusBadRequest, core.CodeInvalidEvent, "event.type is required")
			return
		}

		opts.Logger.Debug("stream opened", "event_type", req.Event.Type, "run_id", req.RunID)
		if err := Serve(r.Context(), w, runner.Handle(r.Context(), req)); err != nil {
			opts.Logger.Debug("stream closed early", "event_type", req.Event.Type, "error", err)
		}
	})
}

// WriteError writes a JSON error body {"error":{"code","message"}}.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = msg

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
