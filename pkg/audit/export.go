// Package audit produces evidence bundles from the ledger: verified chain
// segments packaged for auditors, optionally uploaded to object storage.
package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/northgate-labs/warden/pkg/clock"
	"github.com/northgate-labs/warden/pkg/ledger"
)

var (
	// ErrInvalidRange is returned when the requested sequence range is
	// inverted.
	ErrInvalidRange = errors.New("audit: from must not exceed to")
	// ErrEmptyRange is returned when the range contains no events.
	ErrEmptyRange = errors.New("audit: no events in requested range")
)

// ExportRequest selects the chain segment to bundle.
type ExportRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"` // 0 means through the current tip
}

// Exporter builds evidence bundles. Every bundle is chain-verified before
// packaging; a tampered segment never exports.
type Exporter struct {
	led *ledger.Ledger
	clk clock.Clock
}

func NewExporter(led *ledger.Ledger, clk clock.Clock) *Exporter {
	return &Exporter{led: led, clk: clk}
}

// GenerateBundle verifies the requested segment, packages the events and a
// manifest into a zip, and returns the archive with its SHA-256 checksum.
func (e *Exporter) GenerateBundle(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.From == 0 {
		req.From = 1
	}
	if req.To != 0 && req.From > req.To {
		return nil, "", ErrInvalidRange
	}

	if err := e.led.VerifyChain(ctx, req.From, req.To); err != nil {
		return nil, "", fmt.Errorf("audit: chain verification: %w", err)
	}

	to := req.To
	if to == 0 {
		var err error
		to, err = e.led.TipSequence(ctx)
		if err != nil {
			return nil, "", err
		}
	}
	events, err := e.led.ReadRange(ctx, req.From, to)
	if err != nil {
		return nil, "", fmt.Errorf("audit: read range: %w", err)
	}
	if len(events) == 0 {
		return nil, "", ErrEmptyRange
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}

	last := events[len(events)-1]
	manifest := map[string]any{
		"generated_at": e.clk.Now(),
		"event_count":  len(events),
		"from":         events[0].Sequence,
		"to":           last.Sequence,
		"chain_head":   last.EventHash,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Audit evidence bundle\nSequences %d-%d\nGenerated at %s\nChain head %s\n",
		events[0].Sequence, last.Sequence, e.clk.Now().Format("2006-01-02T15:04:05Z07:00"), last.EventHash)

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
