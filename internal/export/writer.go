// Package export renders patches and drift reports as portable JSON documents
// and writes them to an artifact directory with content digests, so external
// review tooling can consume engine output without touching the store.
package export

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adaptml/driftpatch/internal/api"
)

// Document is the interchange shape for a patch.
type Document struct {
	ID               string                `json:"id"`
	ModelID          string                `json:"modelId"`
	PatchType        api.PatchType         `json:"patchType"`
	Status           api.PatchStatus       `json:"status"`
	CreatedAt        time.Time             `json:"createdAt"`
	AppliedAt        *time.Time            `json:"appliedAt,omitempty"`
	RolledBackAt     *time.Time            `json:"rolledBackAt,omitempty"`
	Configuration    api.PatchConfig       `json:"configuration"`
	ValidationResult *api.ValidationResult `json:"validationResult,omitempty"`
	Recommended      bool                  `json:"isRecommended"`
}

// NewDocument converts a patch into its export shape.
func NewDocument(p *api.Patch) Document {
	return Document{
		ID:               p.ID,
		ModelID:          p.ModelID,
		PatchType:        p.Type,
		Status:           p.Status,
		CreatedAt:        p.CreatedAt,
		AppliedAt:        p.AppliedAt,
		RolledBackAt:     p.RolledBackAt,
		Configuration:    p.Config,
		ValidationResult: p.Validation,
		Recommended:      p.Recommended,
	}
}

// Writer persists export documents under a base directory.
type Writer struct {
	dir string
}

// NewWriter creates the artifact directory if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the artifact directory.
func (w *Writer) Dir() string {
	return w.dir
}

// WritePatch writes the patch document and a sibling .sha256 digest file.
// Returns the document path and the hex digest.
func (w *Writer) WritePatch(p *api.Patch) (string, string, error) {
	doc := NewDocument(p)
	return w.writeJSON(fmt.Sprintf("patch-%s.json", p.ID), doc)
}

// WriteDriftReport writes a drift result document with its digest.
func (w *Writer) WriteDriftReport(r *api.DriftResult) (string, string, error) {
	return w.writeJSON(fmt.Sprintf("drift-%s.json", r.ID), r)
}

func (w *Writer) writeJSON(name string, v interface{}) (string, string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal export document: %w", err)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write export document: %w", err)
	}
	if err := os.WriteFile(path+".sha256", []byte(digest+"\n"), 0644); err != nil {
		return "", "", fmt.Errorf("failed to write digest: %w", err)
	}
	return path, digest, nil
}

// ReadPatch loads and verifies an exported patch document.
func ReadPatch(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read export document: %w", err)
	}

	digestData, err := os.ReadFile(path + ".sha256")
	if err == nil {
		sum := sha256.Sum256(data)
		want := string(digestData)
		if len(want) > 0 && want[len(want)-1] == '\n' {
			want = want[:len(want)-1]
		}
		if hex.EncodeToString(sum[:]) != want {
			return nil, fmt.Errorf("digest mismatch for %s", path)
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal export document: %w", err)
	}
	return &doc, nil
}
