// Package admin exposes the management HTTP API: CRUD over connector
// tasks plus the Prometheus metrics endpoint.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/logger"
	"github.com/rillstream/go-mysql-cdc/task"
)

// Controller is the slice of the supervisor the API drives.
// *task.Supervisor implements it.
type Controller interface {
	Deploy(ctx context.Context, conf cfg.PipelineConfiguration) (task.Status, error)
	Config(name string) (cfg.PipelineConfiguration, error)
	Status(name string) (task.Status, error)
	List() []task.Status
	Pause(name string) error
	Resume(name string) error
	Restart(ctx context.Context, name string) error
	Delete(ctx context.Context, name string, purgeOffsets bool) error
}

// NewRouter builds the management API router.
func NewRouter(ctl Controller) http.Handler {
	r := chi.NewRouter()

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", handleList(ctl))
		r.Post("/", handleDeploy(ctl))
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", handleStatus(ctl))
			r.Get("/status", handleStatus(ctl))
			r.Get("/config", handleConfig(ctl))
			r.Put("/pause", handlePause(ctl))
			r.Put("/resume", handleResume(ctl))
			r.Post("/restart", handleRestart(ctl))
			r.Delete("/", handleDelete(ctl))
		})
	})

	return r
}

// Serve runs the API server until the context is canceled.
func Serve(ctx context.Context, conf cfg.AdminConfiguration, ctl Controller) error {
	addr := fmt.Sprintf("%s:%d", conf.BindAddress, conf.Port)
	srv := &http.Server{Addr: addr, Handler: NewRouter(ctl)}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	logger.Info(ctx).Str("addr", addr).Msg("management API listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func handleList(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctl.List())
	}
}

func handleDeploy(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var conf cfg.PipelineConfiguration
		if err := json.NewDecoder(r.Body).Decode(&conf); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode pipeline config"))
			return
		}
		status, err := ctl.Deploy(r.Context(), conf)
		if err != nil {
			writeError(w, statusCode(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, status)
	}
}

func handleStatus(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := ctl.Status(chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, statusCode(err), err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleConfig(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conf, err := ctl.Config(chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, statusCode(err), err)
			return
		}
		writeJSON(w, http.StatusOK, conf)
	}
}

func handlePause(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := ctl.Pause(name); err != nil {
			writeError(w, statusCode(err), err)
			return
		}
		statusResponse(ctl, w, name)
	}
}

func handleResume(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := ctl.Resume(name); err != nil {
			writeError(w, statusCode(err), err)
			return
		}
		statusResponse(ctl, w, name)
	}
}

func handleRestart(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := ctl.Restart(r.Context(), name); err != nil {
			writeError(w, statusCode(err), err)
			return
		}
		statusResponse(ctl, w, name)
	}
}

func handleDelete(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		purge := r.URL.Query().Get("purge_offsets") == "true"
		if err := ctl.Delete(r.Context(), name, purge); err != nil {
			writeError(w, statusCode(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func statusResponse(ctl Controller, w http.ResponseWriter, name string) {
	status, err := ctl.Status(name)
	if err != nil {
		writeError(w, statusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrIllegalTransition):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
