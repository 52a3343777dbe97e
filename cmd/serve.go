package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/admission"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pipeline"
	"github.com/sells-group/grc-extract/internal/preprocess"
	"github.com/sells-group/grc-extract/internal/store"
)

const (
	maxUploadBytes = 200 << 20
	taskRetention  = 24 * time.Hour
)

var servePort int

type taskSubmitter interface {
	Submit(ctx context.Context, req pipeline.Request) string
}

type taskReader interface {
	Get(id string) (model.TaskStatus, bool)
}

type amendmentService interface {
	Get(ctx context.Context, id string) (*model.Amendment, error)
	Start(ctx context.Context, id string) (*model.Amendment, error)
	Cancel(ctx context.Context, id string) (*model.Amendment, error)
}

type queueStatus interface {
	Status() admission.Status
}

// api is the HTTP surface over the pipeline and amendment service.
type api struct {
	submit     taskSubmitter
	tasks      taskReader
	amendments amendmentService
	queue      queueStatus
	limiter    *admission.RateLimiter

	perMinute         int
	perHour           int
	uploadDir         string
	baseDir           string
	includeCompliance bool
}

func newRouter(a *api) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Post("/ingest", a.ingest)
	r.Get("/tasks/{id}", a.task)
	r.Route("/amendments/{id}", func(r chi.Router) {
		r.Get("/", a.amendment)
		r.Post("/process", a.processAmendment)
		r.Post("/cancel", a.cancelAmendment)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.queue != nil {
		body["queue"] = a.queue.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) ingest(w http.ResponseWriter, r *http.Request) {
	if a.limiter != nil {
		if err := a.limiter.Allow(clientIP(r), a.perMinute, a.perHour); err != nil {
			writeError(w, http.StatusTooManyRequests, err)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, model.NewError(model.KindInputRejected, "multipart field \"file\" is required", err))
		return
	}
	defer func() { _ = file.Close() }()

	name := filepath.Base(header.Filename)
	if _, ok := preprocess.KindOf(name); !ok {
		writeError(w, http.StatusBadRequest, model.Errorf(model.KindInputRejected, "unsupported file type: %s", name))
		return
	}
	userKey := r.FormValue("user_key")
	if userKey == "" {
		userKey = "anonymous"
	}
	include := a.includeCompliance
	if v := r.FormValue("include_compliance"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			include = b
		}
	}

	taskID := uuid.NewString()
	path := filepath.Join(a.uploadDir, taskID+"_"+name)
	if err := saveUpload(path, file); err != nil {
		zap.L().Error("serve: save upload", zap.String("file", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	a.submit.Submit(r.Context(), pipeline.Request{
		PDFPath:           path,
		UserKey:           userKey,
		BaseDir:           a.baseDir,
		IncludeCompliance: include,
		TaskID:            taskID,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": string(model.TaskQueued)})
}

func (a *api) task(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := a.tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, model.Errorf(model.KindInputRejected, "task %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) amendment(w http.ResponseWriter, r *http.Request) {
	rec, err := a.amendments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) processAmendment(w http.ResponseWriter, r *http.Request) {
	rec, err := a.amendments.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (a *api) cancelAmendment(w http.ResponseWriter, r *http.Request) {
	rec, err := a.amendments.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	switch model.KindOf(err) {
	case model.KindInputRejected:
		return http.StatusBadRequest
	case model.KindResourceLocked, model.KindAmendmentCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func saveUpload(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "serve: create upload dir")
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "serve: create upload")
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return eris.Wrap(err, "serve: write upload")
	}
	return eris.Wrap(f.Close(), "serve: close upload")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, model.NewErrorBody(err))
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for uploads, task polling and amendment control",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		handler := newRouter(&api{
			submit:            env.Runner,
			tasks:             env.Pipeline.Tracker(),
			amendments:        env.Amendments,
			queue:             env.Queue,
			limiter:           env.Limiter,
			perMinute:         cfg.Admission.RatePerMinute,
			perHour:           cfg.Admission.RatePerHour,
			uploadDir:         filepath.Join(cfg.Pipeline.BaseDir, "incoming"),
			baseDir:           cfg.Pipeline.BaseDir,
			includeCompliance: cfg.Pipeline.IncludeCompliance,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go pruneTasks(ctx, env.Pipeline.Tracker())

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func pruneTasks(ctx context.Context, tr *pipeline.Tracker) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tr.Prune(taskRetention); n > 0 {
				zap.L().Debug("pruned finished tasks", zap.Int("count", n))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
