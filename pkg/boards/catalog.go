package boards

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/simpiler/backend/pkg/arduinocli"
)

// Gateway is the slice of the toolchain the catalog queries.
type Gateway interface {
	ListBoards(ctx context.Context) ([]arduinocli.BoardRecord, error)
	BoardDetails(ctx context.Context, fqbn string) (*arduinocli.Details, error)
}

var _ Gateway = (*arduinocli.Client)(nil)

// Logger is the minimal logging surface the catalog needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Descriptor is the base record for one supported board.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Platform    string `json:"platform"`
	Description string `json:"description"`
}

// Details extends a Descriptor with capability information fetched on
// demand. Extended fields are omitted when the toolchain could not provide
// them, leaving the base descriptor intact.
type Details struct {
	Descriptor
	CPU                  string   `json:"cpu,omitempty"`
	FlashSize            int64    `json:"flash_size,omitempty"`
	RAMSize              int64    `json:"ram_size,omitempty"`
	UploadProtocols      []string `json:"upload_protocols,omitempty"`
	ProgrammingProtocols []string `json:"programming_protocols,omitempty"`
	DocumentationURL     string   `json:"documentation_url,omitempty"`
}

// documentationURLs maps platform substrings to vendor documentation.
// Matched in order against the full board ID; boards outside the table get
// no URL.
var documentationURLs = []struct {
	match string
	url   string
}{
	{"arduino:avr:uno", "https://docs.arduino.cc/hardware/uno-rev3"},
	{"esp32:esp32", "https://docs.espressif.com/projects/esp-idf/en/latest/"},
	{"esp8266:esp8266", "https://arduino-esp8266.readthedocs.io/en/latest/"},
}

// Catalog caches the filtered board list for the process lifetime and
// enriches single boards on demand. The cache has no TTL; Invalidate exists
// for callers that need a refresh.
type Catalog struct {
	gateway Gateway
	logger  Logger

	mu     sync.Mutex
	cached []Descriptor
}

func NewCatalog(gateway Gateway, logger Logger) *Catalog {
	return &Catalog{gateway: gateway, logger: logger}
}

// SupportedBoards returns every board belonging to a supported platform
// family. The list is computed once from the toolchain and cached; a gateway
// failure yields an empty list (logged) and leaves the cache unset so the
// next call retries.
func (c *Catalog) SupportedBoards(ctx context.Context) []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil {
		return c.cached
	}

	records, err := c.gateway.ListBoards(ctx)
	if err != nil {
		c.logger.Error("board list query failed", "error", err)
		return []Descriptor{}
	}

	supported := make([]Descriptor, 0, len(records))
	for _, record := range records {
		if !isSupported(record.FQBN) {
			continue
		}
		supported = append(supported, Descriptor{
			ID:          record.FQBN,
			Name:        record.Name,
			Platform:    platformOf(record.FQBN),
			Description: fmt.Sprintf("%s (%s)", record.Name, record.FQBN),
		})
	}

	c.cached = supported
	return supported
}

// BoardDetails returns the extended record for a board, or ok=false when the
// board is not in the supported set. A failed detail query degrades to the
// base descriptor rather than failing the lookup.
func (c *Catalog) BoardDetails(ctx context.Context, boardID string) (Details, bool) {
	var base Descriptor
	found := false
	for _, board := range c.SupportedBoards(ctx) {
		if board.ID == boardID {
			base = board
			found = true
			break
		}
	}
	if !found {
		return Details{}, false
	}

	details := Details{Descriptor: base}

	extended, err := c.gateway.BoardDetails(ctx, boardID)
	if err != nil {
		c.logger.Error("board detail query failed", "boardID", boardID, "error", err)
		return details, true
	}
	if extended == nil {
		return details, true
	}

	details.CPU = extended.CPU
	details.FlashSize = extended.Flash.Size
	details.RAMSize = extended.RAM.Size
	details.UploadProtocols = extended.UploadProtocols
	if details.UploadProtocols == nil {
		details.UploadProtocols = []string{"serial"}
	}
	details.ProgrammingProtocols = extended.ProgrammingProtocols
	for _, entry := range documentationURLs {
		if strings.Contains(boardID, entry.match) {
			details.DocumentationURL = entry.url
			break
		}
	}

	return details, true
}

// Invalidate drops the cached board list so the next call re-queries the
// toolchain.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

func isSupported(fqbn string) bool {
	for _, platform := range arduinocli.SupportedPlatforms {
		if strings.Contains(fqbn, platform) {
			return true
		}
	}
	return false
}

func platformOf(fqbn string) string {
	segments := strings.Split(fqbn, ":")
	if len(segments) < 2 {
		return fqbn
	}
	return strings.Join(segments[:2], ":")
}
