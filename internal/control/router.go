package control

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/models"
)

// Router serves the bus over HTTP. Every response body is a Result.
func Router(b *Bus, logger zerolog.Logger) *chi.Mux {
	logger = logger.With().Str("component", "control").Logger()

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.RequestID,
		chiMiddleware.Recoverer,
		requestLogger(logger),
	)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		reply(w, b.Dispatch(r.Context(), GetStatus{}))
	})

	r.Route("/profiles/{id}/autoreply", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			reply(w, b.Dispatch(r.Context(), GetAutoReply{ProfileID: pathID(r)}))
		})
		r.Put("/", func(w http.ResponseWriter, r *http.Request) {
			var cfg models.AutoReplyConfig
			if !decode(w, r, &cfg) {
				return
			}
			cfg.ProfileExternalID = pathID(r)
			reply(w, b.Dispatch(r.Context(), SaveAutoReply{Config: &cfg}))
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			reply(w, b.Dispatch(r.Context(), DeleteAutoReply{ProfileID: pathID(r)}))
		})
	})

	r.Get("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		reply(w, b.Dispatch(r.Context(), GetBroadcast{}))
	})
	r.Post("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Jobs []models.BroadcastJob `json:"jobs"`
		}
		if !decode(w, r, &body) {
			return
		}
		reply(w, b.Dispatch(r.Context(), StartBroadcast{Jobs: body.Jobs}))
	})
	r.Post("/broadcast/all", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Kind models.JobKind `json:"kind"`
		}
		if !decode(w, r, &body) {
			return
		}
		if body.Kind == "" {
			body.Kind = models.JobChat
		}
		reply(w, b.Dispatch(r.Context(), StartAll{Kind: body.Kind}))
	})

	r.Post("/monitoring", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if !decode(w, r, &body) {
			return
		}
		reply(w, b.Dispatch(r.Context(), SetMonitoring{Enabled: body.Enabled}))
	})

	r.Post("/stats/reset", func(w http.ResponseWriter, r *http.Request) {
		reply(w, b.Dispatch(r.Context(), ResetStats{}))
	})

	r.Get("/notifications", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		reply(w, b.Dispatch(r.Context(), ListNotices{Limit: limit}))
	})

	r.Put("/names/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if !decode(w, r, &body) {
			return
		}
		reply(w, b.Dispatch(r.Context(), SetName{ExternalID: pathID(r), Name: body.Name}))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, Result{Error: "not found"})
	})

	return r
}

func pathID(r *http.Request) models.ExternalID {
	return models.ExternalID(chi.URLParam(r, "id"))
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(apperr.Wrap(apperr.CodeConfiguration, err, "invalid request body")))
		return false
	}
	return true
}

func reply(w http.ResponseWriter, res Result) {
	writeJSON(w, statusFor(res), res)
}

func statusFor(res Result) int {
	if res.OK {
		return http.StatusOK
	}
	switch apperr.Code(res.Code) {
	case apperr.CodeConfiguration:
		return http.StatusBadRequest
	case apperr.CodeLockContention:
		return http.StatusConflict
	case apperr.CodeAPI, apperr.CodeTransport:
		return http.StatusBadGateway
	case apperr.CodeHostInvalidated:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", chiMiddleware.GetReqID(r.Context())).
				Msg("Control request")
		})
	}
}
