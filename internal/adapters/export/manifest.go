package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

// ManifestRasterizer writes a render manifest per frame instead of pixels.
// It is the default when no renderer image is configured.
type ManifestRasterizer struct{}

type renderManifest struct {
	Frame      domain.Frame     `json:"frame"`
	Label      string           `json:"label,omitempty"`
	VariantOf  domain.FrameID   `json:"variant_of,omitempty"`
	ImageRef   string           `json:"image_ref,omitempty"`
	Elements   []domain.Element `json:"elements"`
	RenderedAt time.Time        `json:"rendered_at"`
}

func (ManifestRasterizer) Rasterize(ctx context.Context, doc domain.FrameDocument, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(renderManifest{
		Frame:      doc.Frame,
		Label:      doc.Label,
		VariantOf:  doc.VariantOf,
		ImageRef:   doc.ImageRef,
		Elements:   doc.Elements,
		RenderedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, domain.SafeName(doc.Frame.Name)+".render.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write render manifest: %w", err)
	}
	return path, nil
}
