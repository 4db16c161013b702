// Package httpapi is the HTTP harness: a chi router exposing the inbound
// operations of the account-pool, analyzer, cache, rate-limit, budget, and
// webhook components over JSON, with the request-scoped middleware stack
// (recovery, trace IDs, CORS, security headers, service auth) wrapped
// around it.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/fluxgate-ai/gatekeeper/internal/platform/apierr"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/logging"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// validate runs struct-tag validation on every decoded request body; a
// single instance is safe for concurrent use and caches each struct
// type's reflected validation rules after its first use.
var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads and unmarshals a size-capped request body into dst. On
// failure it writes the error response itself and returns false so the
// caller can bail out.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, apierr.InvalidInput("body", err.Error()))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return true
		}
		fieldErrs := err.(validator.ValidationErrors)
		writeError(w, r, apierr.InvalidInput(fieldErrs[0].Field(), fieldErrs[0].Tag()))
		return false
	}
	return true
}

// writeError maps err to a JSON error response, logging it with the
// request's trace ID first. Any error that isn't already a *ServiceError
// is folded into a generic internal error so callers never see a raw Go
// error string.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *apierr.ServiceError
	if !errors.As(err, &svcErr) {
		svcErr = apierr.Internal("internal server error", err)
	}

	if logger := loggerFrom(r.Context()); logger != nil {
		logger.WithContext(r.Context()).WithError(svcErr).Error("request failed")
	}

	writeJSON(w, svcErr.HTTPStatus, svcErr)
}

type loggerKey struct{}

func withLogger(ctx context.Context, l *logging.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func loggerFrom(ctx context.Context) *logging.Logger {
	l, _ := ctx.Value(loggerKey{}).(*logging.Logger)
	return l
}
