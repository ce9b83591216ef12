package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/simpiler/backend/pkg/arduinocli"
	"github.com/simpiler/backend/pkg/boards"
	"github.com/simpiler/backend/pkg/compile"
	"github.com/simpiler/backend/pkg/config"
	"github.com/simpiler/backend/pkg/telemetry"
)

// maxUploadSize caps the compile request body at 1 MiB.
const maxUploadSize = 1 << 20

type server struct {
	compiler *compile.Service
	catalog  *boards.Catalog
}

func newServer(compiler *compile.Service, catalog *boards.Catalog) *server {
	return &server{compiler: compiler, catalog: catalog}
}

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "simpiler-server")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("tracer shutdown error: %v", err)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cli, err := arduinocli.New(cfg.ArduinoCLIPath, cfg.WorkDir, logger)
	if err != nil {
		log.Fatalf("arduino-cli setup failed: %v", err)
	}
	version, err := cli.Version(ctx)
	if err != nil {
		log.Fatalf("arduino-cli not available: %v", err)
	}
	log.Printf("arduino-cli version: %s", version)

	if err := cli.Bootstrap(ctx); err != nil {
		log.Fatalf("arduino-cli bootstrap failed: %v", err)
	}

	memStore := compile.NewMemStore()
	// durable stays a nil interface unless Postgres is configured; a typed
	// nil *PostgresStore would defeat the service's nil check.
	var durable compile.DurableStore
	if cfg.DatabaseURL != "" {
		pgStore, err := compile.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres init failed: %v", err)
		}
		defer func() {
			if err := pgStore.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}()
		durable = pgStore
	}

	compiler, err := compile.NewService(cli, memStore, durable, logger, compile.Dirs{
		Upload: cfg.UploadDir,
		Binary: cfg.BinaryDir,
		Work:   cfg.WorkDir,
	})
	if err != nil {
		log.Fatalf("compile service setup failed: %v", err)
	}

	srv := newServer(compiler, boards.NewCatalog(cli, logger))

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	log.Printf("compile server listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("compile server failed: %v", err)
	}

	<-ctx.Done()
	log.Println("compile server stopped")
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/boards", s.handleListBoards)
		r.Get("/boards/{boardID}", s.handleBoardDetails)
		r.Post("/compile", s.handleCompile)
		r.Get("/compile/{compilationID}", s.handleCompilationStatus)
		r.Get("/binaries/{compilationID}", s.handleDownloadBinary)
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

func (s *server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	boardList := s.catalog.SupportedBoards(r.Context())
	respondJSON(w, map[string]any{"boards": boardList}, http.StatusOK)
}

func (s *server) handleBoardDetails(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")
	details, ok := s.catalog.BoardDetails(r.Context(), boardID)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "Board "+boardID+" not found")
		return
	}
	respondJSON(w, details, http.StatusOK)
}

func (s *server) handleCompile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	var req compile.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "bad_request", "Request body exceeds 1MB limit")
			return
		}
		respondError(w, http.StatusBadRequest, "bad_request", "Request must be JSON")
		return
	}

	job, err := s.compiler.Submit(r.Context(), req)
	if err != nil {
		var validationErr *compile.ValidationError
		if errors.As(err, &validationErr) {
			respondError(w, http.StatusBadRequest, "bad_request", validationErr.Error())
			return
		}
		respondInternalError(w, "Compilation failed", err)
		return
	}

	respondJSON(w, map[string]any{
		"compilation_id": job.ID,
		"status":         job.Status,
		"messages":       job.Messages,
	}, http.StatusOK)
}

func (s *server) handleCompilationStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "compilationID")
	job, err := s.compiler.Status(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Compilation job "+id+" not found")
		return
	}
	respondJSON(w, job, http.StatusOK)
}

func (s *server) handleDownloadBinary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "compilationID")
	path, filename, err := s.compiler.Artifact(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Binary not available")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, path)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, map[string]string{"error": code, "message": message}, status)
}

// respondInternalError hides internal detail behind a correlation ID that is
// also written to the server log.
func respondInternalError(w http.ResponseWriter, message string, err error) {
	requestID := uuid.NewString()
	log.Printf("internal error [%s]: %v", requestID, err)
	respondJSON(w, map[string]string{
		"error":      "server_error",
		"message":    message,
		"request_id": requestID,
	}, http.StatusInternalServerError)
}
