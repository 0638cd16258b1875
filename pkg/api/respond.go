// Package api wires the HTTP/JSON surface of spec.md §6: a chi router,
// per-route handlers over the pivtoken/recoverytoken/recoveryconfig
// services, and the shared response-header and error-body conventions.
// Grounded on pkg/catalog/plugin/server.go's MountRoutes (chi +
// go-chi/cors + go-chi middleware stack).
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetops/kbmapi/pkg/apierrors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as the structured body of spec.md §7,
// merging apierrors.Error.Companion fields when present (the
// TransitionAlreadyExists "together with the existing transition and
// configuration" requirement).
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierrors.Error)
	if !ok {
		apiErr = apierrors.Internalf("%v", err)
	}
	if apiErr.Companion == nil {
		writeJSON(w, apiErr.Status(), apiErr)
		return
	}

	merged := map[string]any{
		"code":    apiErr.KindVal,
		"message": apiErr.Message,
	}
	if len(apiErr.Errors) > 0 {
		merged["errors"] = apiErr.Errors
	}
	companion, err2 := json.Marshal(apiErr.Companion)
	if err2 == nil {
		var extra map[string]any
		if json.Unmarshal(companion, &extra) == nil {
			for k, v := range extra {
				merged[k] = v
			}
		}
	}
	writeJSON(w, apiErr.Status(), merged)
}

// headerDelayWriter defers the actual WriteHeader call and buffers the
// body so the x-response-time header (only knowable once the handler
// finishes) can still be injected before anything reaches the wire.
type headerDelayWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *headerDelayWriter) WriteHeader(status int) { w.status = status }

func (w *headerDelayWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

// responseHeaders stamps the ambient headers spec.md §6 requires on
// every response: Date, Server, x-request-id, x-response-time,
// x-server-name.
func responseHeaders(serverName func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			delayed := &headerDelayWriter{ResponseWriter: w}
			next.ServeHTTP(delayed, r)

			name := serverName()
			w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
			w.Header().Set("Server", name)
			w.Header().Set("x-server-name", name)
			w.Header().Set("x-response-time", time.Since(start).String())
			w.Header().Set("x-request-id", middleware.GetReqID(r.Context()))
			if delayed.status == 0 {
				delayed.status = http.StatusOK
			}
			w.WriteHeader(delayed.status)
			if delayed.body.Len() > 0 {
				_, _ = w.Write(delayed.body.Bytes())
			}
		})
	}
}
