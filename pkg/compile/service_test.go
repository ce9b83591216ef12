package compile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/simpiler/backend/pkg/arduinocli"
)

// fakeDurable stands in for the Postgres mirror.
type fakeDurable struct {
	jobs      map[string]Job
	createErr error
	finishErr error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{jobs: make(map[string]Job)}
}

func (f *fakeDurable) Create(job Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeDurable) Finish(job Job) error {
	if f.finishErr != nil {
		return f.finishErr
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeDurable) Get(id string) (Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// fakeToolchain scripts compile results and records library installs.
type fakeToolchain struct {
	result       arduinocli.Result
	compileErr   error
	installErr   error
	artifactData []byte
	installed    []string
}

func (f *fakeToolchain) InstallLibrary(ctx context.Context, name, version string) error {
	spec := name
	if version != "" {
		spec = name + "@" + version
	}
	f.installed = append(f.installed, spec)
	return f.installErr
}

func (f *fakeToolchain) Compile(ctx context.Context, sketchDir, fqbn, outputDir string) (arduinocli.Result, error) {
	if f.compileErr != nil {
		return arduinocli.Result{}, f.compileErr
	}
	if f.result.ExitCode == 0 && f.artifactData != nil {
		name := filepath.Base(sketchDir) + "." + BinaryExtension(fqbn)
		if err := os.WriteFile(filepath.Join(outputDir, name), f.artifactData, 0o644); err != nil {
			return arduinocli.Result{}, err
		}
	}
	return f.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, toolchain Toolchain) (*Service, *MemStore) {
	t.Helper()
	store := NewMemStore()
	root := t.TempDir()
	svc, err := NewService(toolchain, store, nil, testLogger(), Dirs{
		Upload: filepath.Join(root, "uploads"),
		Binary: filepath.Join(root, "binaries"),
		Work:   filepath.Join(root, "work"),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeToolchain{})

	cases := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"missing board type", SubmitRequest{Code: "void setup() {}"}, "board_type"},
		{"missing code", SubmitRequest{BoardType: "arduino:avr:uno"}, "code"},
		{"blank code", SubmitRequest{BoardType: "arduino:avr:uno", Code: "   "}, "code"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tc.req)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if validationErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, validationErr.Field)
			}
		})
	}
}

func TestSubmitCompleted(t *testing.T) {
	toolchain := &fakeToolchain{
		result:       arduinocli.Result{ExitCode: 0, Elapsed: 1200 * time.Millisecond},
		artifactData: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	svc, _ := newTestService(t, toolchain)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		BoardType: "arduino:avr:uno",
		Code:      "void setup() {}\nvoid loop() {}",
		ProjectID: "blinky",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%#v)", job.Status, job.Messages)
	}
	if job.ArtifactPath == "" {
		t.Fatal("expected artifact path on completed job")
	}
	if job.BinaryURL != "/v1/binaries/"+job.ID {
		t.Fatalf("unexpected binary URL %q", job.BinaryURL)
	}
	if job.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
	if len(job.Messages) < 2 || job.Messages[0].Kind != MessageInfo || !strings.Contains(job.Messages[0].Text, "seconds") {
		t.Fatalf("expected leading elapsed info message, got %#v", job.Messages)
	}

	data, err := os.ReadFile(job.ArtifactPath)
	if err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	if len(data) != 4 {
		t.Fatalf("unexpected artifact content: %v", data)
	}

	path, filename, err := svc.Artifact(job.ID)
	if err != nil {
		t.Fatalf("artifact lookup failed: %v", err)
	}
	if path != job.ArtifactPath {
		t.Fatalf("artifact path mismatch: %q vs %q", path, job.ArtifactPath)
	}
	if filename != "blinky.hex" {
		t.Fatalf("expected download name blinky.hex, got %q", filename)
	}
}

func TestSubmitFailed(t *testing.T) {
	toolchain := &fakeToolchain{
		result: arduinocli.Result{
			ExitCode: 1,
			Stderr:   "sketch.ino:1:1: error: expected declaration\n",
		},
	}
	svc, _ := newTestService(t, toolchain)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		BoardType: "arduino:avr:uno",
		Code:      "garbage",
	})
	if err != nil {
		t.Fatalf("submit returned error for compile failure: %v", err)
	}

	if job.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ArtifactPath != "" || job.BinaryURL != "" {
		t.Fatalf("failed job must not carry artifact fields: %#v", job)
	}
	if len(job.Messages) != 1 || job.Messages[0].Kind != MessageError {
		t.Fatalf("expected one classified error message, got %#v", job.Messages)
	}

	if _, _, err := svc.Artifact(job.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for failed job artifact, got %v", err)
	}
}

func TestSubmitMissingArtifactIsFailure(t *testing.T) {
	// Exit 0 but the fake never writes the expected binary.
	toolchain := &fakeToolchain{result: arduinocli.Result{ExitCode: 0, Elapsed: time.Second}}
	svc, _ := newTestService(t, toolchain)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		BoardType: "esp32:esp32:esp32",
		Code:      "void setup() {}",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if job.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	last := job.Messages[len(job.Messages)-1]
	if last.Kind != MessageError || last.Text != "Binary file not found after compilation" {
		t.Fatalf("expected missing-artifact error, got %#v", last)
	}
}

func TestSubmitInvocationErrorIsFailure(t *testing.T) {
	toolchain := &fakeToolchain{compileErr: errors.New("toolchain vanished")}
	svc, _ := newTestService(t, toolchain)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		BoardType: "arduino:avr:uno",
		Code:      "void setup() {}",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if len(job.Messages) != 1 || !strings.Contains(job.Messages[0].Text, "Compilation error") {
		t.Fatalf("expected orchestration error message, got %#v", job.Messages)
	}
}

func TestSubmitLibraryInstallBestEffort(t *testing.T) {
	toolchain := &fakeToolchain{
		result:       arduinocli.Result{ExitCode: 0},
		artifactData: []byte{0x01},
		installErr:   errors.New("library index unreachable"),
	}
	svc, _ := newTestService(t, toolchain)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		BoardType: "arduino:avr:uno",
		Code:      "void setup() {}",
		Libraries: []LibraryRef{{Name: "Servo"}, {Name: "WiFi", Version: "1.2.7"}, {Name: "  "}},
	})
	if err != nil {
		t.Fatalf("submit failed despite best-effort installs: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if len(toolchain.installed) != 2 || toolchain.installed[1] != "WiFi@1.2.7" {
		t.Fatalf("unexpected install calls: %#v", toolchain.installed)
	}
}

func TestSubmitUniqueJobIDs(t *testing.T) {
	toolchain := &fakeToolchain{result: arduinocli.Result{ExitCode: 0}, artifactData: []byte{0x01}}
	svc, _ := newTestService(t, toolchain)

	req := SubmitRequest{BoardType: "arduino:avr:uno", Code: "void setup() {}"}
	first, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("identical submissions collapsed to one job: %s", first.ID)
	}
}

func TestArtifactDefaultDownloadName(t *testing.T) {
	toolchain := &fakeToolchain{result: arduinocli.Result{ExitCode: 0}, artifactData: []byte{0x01}}
	svc, _ := newTestService(t, toolchain)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		BoardType: "esp8266:esp8266:generic",
		Code:      "void setup() {}",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	_, filename, err := svc.Artifact(job.ID)
	if err != nil {
		t.Fatalf("artifact lookup failed: %v", err)
	}
	if filename != "arduino_project.bin" {
		t.Fatalf("expected default download name, got %q", filename)
	}
}

func TestStatusFallsBackToDurableStore(t *testing.T) {
	toolchain := &fakeToolchain{result: arduinocli.Result{ExitCode: 0}, artifactData: []byte{0x01}}
	durable := newFakeDurable()
	root := t.TempDir()
	dirs := Dirs{
		Upload: filepath.Join(root, "uploads"),
		Binary: filepath.Join(root, "binaries"),
		Work:   filepath.Join(root, "work"),
	}
	svc, err := NewService(toolchain, NewMemStore(), durable, testLogger(), dirs)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	job, err := svc.Submit(context.Background(), SubmitRequest{
		BoardType: "arduino:avr:uno",
		Code:      "void setup() {}",
		ProjectID: "blinky",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// A fresh service with an empty in-memory store stands in for a restart.
	restarted, err := NewService(toolchain, NewMemStore(), durable, testLogger(), dirs)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	got, err := restarted.Status(job.ID)
	if err != nil {
		t.Fatalf("expected durable record to survive restart: %v", err)
	}
	if got.Status != StatusCompleted || got.ArtifactPath != job.ArtifactPath {
		t.Fatalf("durable record incomplete: %#v", got)
	}

	path, filename, err := restarted.Artifact(job.ID)
	if err != nil {
		t.Fatalf("artifact lookup after restart failed: %v", err)
	}
	if path != job.ArtifactPath || filename != "blinky.hex" {
		t.Fatalf("unexpected artifact lookup: path=%q filename=%q", path, filename)
	}

	if _, err := restarted.Status("unknown-id"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown job, got %v", err)
	}
}

func TestSubmitToleratesDurableWriteFailures(t *testing.T) {
	toolchain := &fakeToolchain{result: arduinocli.Result{ExitCode: 0}, artifactData: []byte{0x01}}
	durable := newFakeDurable()
	durable.createErr = errors.New("connection refused")
	durable.finishErr = errors.New("connection refused")

	root := t.TempDir()
	svc, err := NewService(toolchain, NewMemStore(), durable, testLogger(), Dirs{
		Upload: filepath.Join(root, "uploads"),
		Binary: filepath.Join(root, "binaries"),
		Work:   filepath.Join(root, "work"),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	job, err := svc.Submit(context.Background(), SubmitRequest{
		BoardType: "arduino:avr:uno",
		Code:      "void setup() {}",
	})
	if err != nil {
		t.Fatalf("submit must not fail on mirror write errors: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	svc, _ := newTestService(t, &fakeToolchain{})
	if _, err := svc.Status("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := svc.Artifact("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
