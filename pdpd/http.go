package pdpd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/pdpatch/backend"
	"github.com/hazyhaar/pdpatch/kit"
	"github.com/hazyhaar/pdpatch/page"
	"github.com/hazyhaar/pdpatch/plan"
	"github.com/hazyhaar/pdpatch/router"
	"github.com/hazyhaar/pdpatch/settings"
	"github.com/hazyhaar/pdpatch/shield"
)

// Handler returns the HTTP API. When mcpSrv is non-nil it is served over
// streamable HTTP at /mcp.
func (s *Service) Handler(mcpSrv *mcp.Server) http.Handler {
	limiter := shield.NewRateLimiter(s.db)
	limiter.StartReloader(s.ctx.Done())
	limit := limiter.Middleware

	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	if mcpSrv != nil {
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
		r.With(limit).Handle("/mcp", h)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/evaluate", func(w http.ResponseWriter, r *http.Request) {
			var req evaluateReq
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			writeJSON(w, 200, s.Evaluate(req.URL, req.HTML))
		})

		r.With(limit).Post("/inspect", func(w http.ResponseWriter, r *http.Request) {
			var req evaluateReq
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			var (
				out *Inspection
				err error
			)
			if req.HTML != "" {
				out, err = s.InspectHTML(r.Context(), req.URL, req.HTML)
			} else {
				out, err = s.Inspect(r.Context(), req.URL)
			}
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, out)
		})

		r.Get("/settings", func(w http.ResponseWriter, r *http.Request) {
			st, err := s.Settings(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, st)
		})
		r.Put("/settings", func(w http.ResponseWriter, r *http.Request) {
			var req Settings
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			st, err := s.PutSettings(r.Context(), req)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, st)
		})

		r.Route("/tabs/{tabID}", func(r chi.Router) {
			r.Use(tabScope)
			r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
				s.CloseTab(tabOf(r))
				writeJSON(w, 200, map[string]string{"status": "closed"})
			})

			r.Put("/document", func(w http.ResponseWriter, r *http.Request) {
				var req evaluateReq
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, 400, err)
					return
				}
				if err := s.Open(r.Context(), tabOf(r), req.URL, req.HTML); err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, 200, map[string]string{"status": "loaded"})
			})

			r.Post("/navigate", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					URL string `json:"url"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
					writeError(w, 400, errors.New("url is required"))
					return
				}
				s.Navigate(tabOf(r), req.URL)
				writeJSON(w, 202, map[string]string{"status": "scheduled"})
			})

			r.With(limit).Post("/resolve", func(w http.ResponseWriter, r *http.Request) {
				payload, err := optionalPayload(r)
				if err != nil {
					writeError(w, 400, err)
					return
				}
				p, err := s.Resolve(r.Context(), tabOf(r), payload)
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, 200, p)
			})

			r.Post("/apply", func(w http.ResponseWriter, r *http.Request) {
				out, err := s.Apply(r.Context(), tabOf(r))
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, 200, out)
			})
			r.Post("/revert", func(w http.ResponseWriter, r *http.Request) {
				sum, err := s.Revert(r.Context(), tabOf(r))
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, 200, sum)
			})
			r.Post("/reapply", func(w http.ResponseWriter, r *http.Request) {
				sum, err := s.Reapply(r.Context(), tabOf(r))
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, 200, sum)
			})

			r.Get("/plan", func(w http.ResponseWriter, r *http.Request) {
				p, ok := s.Plan(r.Context(), tabOf(r))
				if !ok {
					writeError(w, 404, ErrNoPlan)
					return
				}
				writeJSON(w, 200, p)
			})
			r.Get("/summary", func(w http.ResponseWriter, r *http.Request) {
				sum, ok := s.Summary(r.Context(), tabOf(r))
				if !ok {
					writeError(w, 404, ErrNothingApplied)
					return
				}
				writeJSON(w, 200, sum)
			})
			r.Get("/error", func(w http.ResponseWriter, r *http.Request) {
				msg, _ := s.LastError(r.Context(), tabOf(r))
				writeJSON(w, 200, map[string]string{"error": msg})
			})
			r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, 200, map[string]any{"state": s.State(tabOf(r))})
			})
			r.Get("/payload", func(w http.ResponseWriter, r *http.Request) {
				p, err := s.Payload(r.Context(), tabOf(r))
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, 200, p)
			})
			r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
				events, err := s.Events(r.Context(), tabOf(r), queryInt(r, "limit", 50))
				if err != nil {
					writeError(w, 500, err)
					return
				}
				writeJSON(w, 200, map[string]any{"events": events})
			})
			r.Get("/report", func(w http.ResponseWriter, r *http.Request) {
				md, err := s.Report(r.Context(), tabOf(r))
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
				io.WriteString(w, md)
			})
		})
	})
	return r
}

// tabScope binds the route's tab id to the request context and logger.
func tabScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "tabID")
		ctx := kit.WithTabID(r.Context(), id)
		ctx = context.WithValue(ctx, shield.LoggerKey, shield.GetLogger(ctx).With("tab_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tabOf(r *http.Request) string { return kit.GetTabID(r.Context()) }

// optionalPayload decodes a payload body. An empty body means the payload
// is built from the tab's document.
func optionalPayload(r *http.Request) (*plan.Payload, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var p plan.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotAllowed):
		return 403
	case errors.Is(err, page.ErrUnknownTab):
		return 404
	case errors.Is(err, ErrNoPlan), errors.Is(err, ErrNothingApplied), errors.Is(err, router.ErrStale):
		return 409
	case errors.Is(err, settings.ErrInvalidPattern):
		return 400
	case errors.Is(err, ErrNoDocument):
		return 422
	case errors.Is(err, ErrNoBrowser):
		return 501
	case errors.Is(err, backend.ErrInvalidPlan):
		return 502
	case errors.Is(err, backend.ErrUnavailable):
		return 503
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
