package compile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/simpiler/backend/pkg/arduinocli"
)

// Toolchain is the build-tool capability the orchestrator depends on. The
// production implementation shells out to arduino-cli; tests script results.
type Toolchain interface {
	InstallLibrary(ctx context.Context, name, version string) error
	Compile(ctx context.Context, sketchDir, fqbn, outputDir string) (arduinocli.Result, error)
}

var _ Toolchain = (*arduinocli.Client)(nil)

// DurableStore mirrors job records to persistent storage. Writes are
// best-effort beside the in-memory store; reads serve records the in-memory
// store no longer holds, such as jobs from before a restart.
type DurableStore interface {
	Create(job Job) error
	Finish(job Job) error
	Get(id string) (Job, error)
}

var _ DurableStore = (*PostgresStore)(nil)

// Logger is the minimal logging surface the orchestrator needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Dirs names the filesystem locations the orchestrator owns.
type Dirs struct {
	// Upload holds staged source files, one per job.
	Upload string
	// Binary holds durable artifacts keyed by job ID.
	Binary string
	// Work holds per-compile scratch directories.
	Work string
}

// Service drives the compilation job lifecycle: stage source, invoke the
// toolchain, classify diagnostics, persist the outcome, store the artifact.
type Service struct {
	toolchain Toolchain
	store     Store
	durable   DurableStore
	logger    Logger
	dirs      Dirs
	tracer    trace.Tracer
}

// NewService wires the orchestrator and ensures its directories exist.
// durable may be nil; when set, job records are mirrored to Postgres
// best-effort.
func NewService(toolchain Toolchain, store Store, durable DurableStore, logger Logger, dirs Dirs) (*Service, error) {
	for _, dir := range []string{dirs.Upload, dirs.Binary, dirs.Work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return &Service{
		toolchain: toolchain,
		store:     store,
		durable:   durable,
		logger:    logger,
		dirs:      dirs,
		tracer:    otel.Tracer("simpiler/compile"),
	}, nil
}

// Submit validates the request, runs the compilation synchronously, and
// returns the job in its terminal state. Compilation failure is a normal
// outcome carried in the job record; the returned error covers invalid
// requests and unexpected orchestration problems only.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	if strings.TrimSpace(req.BoardType) == "" {
		return Job{}, &ValidationError{Field: "board_type"}
	}
	if strings.TrimSpace(req.Code) == "" {
		return Job{}, &ValidationError{Field: "code"}
	}

	id := uuid.NewString()
	sourcePath := filepath.Join(s.dirs.Upload, id+".ino")
	if err := os.WriteFile(sourcePath, []byte(req.Code), 0o644); err != nil {
		return Job{}, fmt.Errorf("stage source: %w", err)
	}

	job := Job{
		ID:         id,
		ProjectID:  req.ProjectID,
		BoardType:  req.BoardType,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
		Libraries:  req.Libraries,
		SourcePath: sourcePath,
	}
	s.store.Create(job)
	if s.durable != nil {
		if err := s.durable.Create(job); err != nil {
			s.logger.Error("persist job failed", "jobID", id, "error", err)
		}
	}

	for _, lib := range req.Libraries {
		if strings.TrimSpace(lib.Name) == "" {
			continue
		}
		if err := s.toolchain.InstallLibrary(ctx, lib.Name, lib.Version); err != nil {
			s.logger.Error("library install failed", "jobID", id, "library", lib.Name, "error", err)
			continue
		}
		s.logger.Info("installed library", "jobID", id, "library", lib.Name)
	}

	artifactPath, messages := s.runCompile(ctx, &job)

	var (
		final Job
		err   error
	)
	if artifactPath != "" {
		final, err = s.store.Complete(id, artifactPath, "/v1/binaries/"+id, messages)
	} else {
		final, err = s.store.Fail(id, messages)
	}
	if err != nil {
		return Job{}, fmt.Errorf("finalize job %s: %w", id, err)
	}
	if s.durable != nil {
		if err := s.durable.Finish(final); err != nil {
			s.logger.Error("persist job outcome failed", "jobID", id, "error", err)
		}
	}
	return final, nil
}

// runCompile stages the sketch, invokes the toolchain, and classifies the
// outcome. It returns the durable artifact path ("" on failure) and the
// ordered diagnostics.
func (s *Service) runCompile(ctx context.Context, job *Job) (string, []Message) {
	ctx, span := s.tracer.Start(ctx, "arduino.compile", trace.WithAttributes(
		attribute.String("compile.job_id", job.ID),
		attribute.String("compile.fqbn", job.BoardType),
	))
	defer span.End()

	scratch, err := os.MkdirTemp(s.dirs.Work, "sketch-")
	if err != nil {
		s.logger.Error("create scratch dir failed", "jobID", job.ID, "error", err)
		return "", []Message{{Kind: MessageError, Text: fmt.Sprintf("Compilation error: %v", err)}}
	}
	defer os.RemoveAll(scratch)

	// arduino-cli requires the sketch directory and .ino file to share a name.
	sketchDir := filepath.Join(scratch, job.ID)
	if err := os.MkdirAll(sketchDir, 0o755); err != nil {
		s.logger.Error("create sketch dir failed", "jobID", job.ID, "error", err)
		return "", []Message{{Kind: MessageError, Text: fmt.Sprintf("Compilation error: %v", err)}}
	}
	if err := copyFile(job.SourcePath, filepath.Join(sketchDir, job.ID+".ino")); err != nil {
		s.logger.Error("stage sketch failed", "jobID", job.ID, "error", err)
		return "", []Message{{Kind: MessageError, Text: fmt.Sprintf("Compilation error: %v", err)}}
	}

	s.logger.Info("compiling sketch", "jobID", job.ID, "board", job.BoardType)
	res, err := s.toolchain.Compile(ctx, sketchDir, job.BoardType, scratch)
	if err != nil {
		s.logger.Error("compile invocation failed", "jobID", job.ID, "error", err)
		return "", []Message{{Kind: MessageError, Text: fmt.Sprintf("Compilation error: %v", err)}}
	}

	if res.ExitCode != 0 {
		return "", ClassifyFailure(res)
	}

	ext := BinaryExtension(job.BoardType)
	produced := filepath.Join(scratch, job.ID+"."+ext)
	info, err := os.Stat(produced)
	if err != nil {
		return "", ClassifyMissingArtifact(res.Elapsed)
	}

	final := filepath.Join(s.dirs.Binary, job.ID+"."+ext)
	if err := moveFile(produced, final); err != nil {
		s.logger.Error("store artifact failed", "jobID", job.ID, "error", err)
		return "", []Message{{Kind: MessageError, Text: fmt.Sprintf("Compilation error: %v", err)}}
	}

	return final, ClassifySuccess(res.Elapsed, info.Size())
}

// Status returns the job record for a compilation ID.
func (s *Service) Status(id string) (Job, error) {
	return s.lookup(id)
}

// Artifact returns the stored artifact path and a suggested download name.
// It reports ErrNotFound for unknown jobs, jobs that did not complete, and
// completed jobs whose artifact is missing.
func (s *Service) Artifact(id string) (path, filename string, err error) {
	job, err := s.lookup(id)
	if err != nil {
		return "", "", err
	}
	if job.Status != StatusCompleted || job.ArtifactPath == "" {
		return "", "", ErrNotFound
	}

	name := job.ProjectID
	if strings.TrimSpace(name) == "" {
		name = "arduino_project"
	}
	return job.ArtifactPath, name + "." + BinaryExtension(job.BoardType), nil
}

// lookup reads from the in-memory store first and falls back to the durable
// store, so records written before a restart stay reachable.
func (s *Service) lookup(id string) (Job, error) {
	job, err := s.store.Get(id)
	if err == nil {
		return job, nil
	}
	if errors.Is(err, ErrNotFound) && s.durable != nil {
		return s.durable.Get(id)
	}
	return Job{}, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// moveFile renames when possible and falls back to copy for cross-device
// moves between the scratch and binary directories.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
