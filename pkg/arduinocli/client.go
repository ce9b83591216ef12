package arduinocli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Logger is the minimal logging surface the client needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// SupportedPlatforms are the platform families installed at bootstrap. Only
// boards belonging to one of these families are offered to clients.
var SupportedPlatforms = []string{
	"arduino:avr",
	"esp32:esp32",
	"esp8266:esp8266",
}

// BoardRecord is a single entry from `arduino-cli board listall`.
type BoardRecord struct {
	Name string `json:"name"`
	FQBN string `json:"fqbn"`
}

type listAllPayload struct {
	Boards []BoardRecord `json:"boards"`
}

// SizeField holds a nested size value from `arduino-cli board details`.
type SizeField struct {
	Size int64 `json:"size"`
}

// Details is the extended record from `arduino-cli board details`. Fields the
// CLI omits stay at their zero value.
type Details struct {
	CPU                  string    `json:"cpu"`
	Flash                SizeField `json:"flash"`
	RAM                  SizeField `json:"ram"`
	UploadProtocols      []string  `json:"upload_protocols"`
	ProgrammingProtocols []string  `json:"programming_protocols"`
}

// Result carries the outcome of a compile invocation. A non-zero exit code is
// a normal outcome, not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Client shells out to the arduino-cli executable.
type Client struct {
	binPath string
	workDir string
	logger  Logger
}

// New prepares a client and its working directory. It does not probe the
// executable; call Version for that.
func New(binPath, workDir string, logger Logger) (*Client, error) {
	if strings.TrimSpace(binPath) == "" {
		binPath = "arduino-cli"
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Client{binPath: binPath, workDir: workDir, logger: logger}, nil
}

// Version probes the toolchain. An error here means the executable is missing
// or broken and the server cannot start.
func (c *Client) Version(ctx context.Context) (string, error) {
	stdout, _, err := c.run(ctx, "version")
	if err != nil {
		return "", fmt.Errorf("arduino-cli not available: %w", err)
	}
	return strings.TrimSpace(stdout), nil
}

// Bootstrap updates the package index and installs the supported platforms.
// An index update failure aborts startup; individual platform install
// failures are logged and swallowed so one unreachable platform does not
// block the others.
func (c *Client) Bootstrap(ctx context.Context) error {
	c.logger.Info("updating arduino-cli index")
	if _, _, err := c.run(ctx, "core", "update-index"); err != nil {
		return fmt.Errorf("update core index: %w", err)
	}

	for _, platform := range SupportedPlatforms {
		c.logger.Info("installing platform", "platform", platform)
		if _, _, err := c.run(ctx, "core", "install", platform); err != nil {
			c.logger.Error("platform install failed", "platform", platform, "error", err)
		}
	}

	c.logger.Info("arduino-cli initialization completed")
	return nil
}

// ListBoards enumerates every board known to the installed platforms.
func (c *Client) ListBoards(ctx context.Context) ([]BoardRecord, error) {
	stdout, _, err := c.run(ctx, "board", "listall", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}

	var payload listAllPayload
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		return nil, fmt.Errorf("parse board list: %w", err)
	}
	return payload.Boards, nil
}

// BoardDetails queries the extended record for one board. A non-zero exit is
// not a hard failure: it returns (nil, nil) and the caller falls back to the
// base descriptor.
func (c *Client) BoardDetails(ctx context.Context, fqbn string) (*Details, error) {
	stdout, _, err := c.run(ctx, "board", "details", "--format", "json", fqbn)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("board details: %w", err)
	}

	var details Details
	if err := json.Unmarshal([]byte(stdout), &details); err != nil {
		return nil, fmt.Errorf("parse board details: %w", err)
	}
	return &details, nil
}

// InstallLibrary installs a library, optionally pinned to a version. The
// caller decides whether a failure matters; a missing library surfaces later
// as a compile diagnostic.
func (c *Client) InstallLibrary(ctx context.Context, name, version string) error {
	spec := name
	if strings.TrimSpace(version) != "" {
		spec = fmt.Sprintf("%s@%s", name, version)
	}
	if _, _, err := c.run(ctx, "lib", "install", spec); err != nil {
		return fmt.Errorf("install library %s: %w", spec, err)
	}
	return nil
}

// Compile builds the staged sketch directory for the given board, writing
// artifacts into outputDir. A failed compilation is reported through
// Result.ExitCode; the returned error covers invocation problems only.
func (c *Client) Compile(ctx context.Context, sketchDir, fqbn, outputDir string) (Result, error) {
	cmd := exec.CommandContext(ctx, c.binPath,
		"compile",
		"--fqbn", fqbn,
		"--output-dir", outputDir,
		"--verbose",
		sketchDir,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run arduino-cli compile: %w", err)
	}
	return res, nil
}

// WorkDir exposes the staging root prepared at construction.
func (c *Client) WorkDir() string {
	return c.workDir
}

func (c *Client) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, c.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), stderr.String(), nil
}
