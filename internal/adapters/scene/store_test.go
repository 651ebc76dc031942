package scene

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExporter struct {
	mu      sync.Mutex
	batches map[string][]domain.FrameDocument
}

func (r *recordingExporter) Export(ctx context.Context, frameName string, docs []domain.FrameDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batches == nil {
		r.batches = map[string][]domain.FrameDocument{}
	}
	r.batches[frameName] = docs
	return nil
}

const testManifest = `
frames:
  - id: hero
    name: 1_hero
    elements:
      - {id: bg, kind: rectangle, props: {fill: "#fff"}}
      - {id: title, kind: text, text: Summer sale}
  - id: footer
`

func newTestStore(t *testing.T) (*Store, *recordingExporter) {
	t.Helper()
	exp := &recordingExporter{}
	store := NewStore(slog.New(slog.NewJSONHandler(os.Stdout, nil)), t.TempDir(), exp)

	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	require.NoError(t, store.Import(context.Background(), m.Documents()))
	return store, exp
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)

	assert.Equal(t, []domain.Frame{{ID: "hero", Name: "1_hero"}, {ID: "footer", Name: "footer"}}, m.RunFrames())
	assert.Equal(t, "#fff", m.Frames[0].Elements[0].Props["fill"])

	_, err = ParseManifest([]byte("frames: []"))
	assert.Error(t, err)

	_, err = ParseManifest([]byte("frames:\n  - name: x\n"))
	assert.ErrorContains(t, err, "id is required")

	_, err = ParseManifest([]byte("frames:\n  - id: x\n    colour: red\n"))
	assert.Error(t, err)
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Len(t, m.Frames, 2)
}

func TestStore_DescribeAndRename(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyNames(ctx, "hero", map[string]string{"bg": "background", "ghost": "x"}))

	doc, err := store.DescribeFrame(ctx, "hero")
	require.NoError(t, err)
	assert.Equal(t, "background", doc.Elements[0].Name)
	assert.Equal(t, "", doc.Elements[1].Name)

	_, err = store.DescribeFrame(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrFrameNotFound)
}

func TestStore_RenderReference(t *testing.T) {
	store, _ := newTestStore(t)

	path, err := store.RenderReference(context.Background(), "hero")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "text: Summer sale")
	assert.Contains(t, string(data), "1_hero")
}

func TestStore_MaterializeVariants(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.MaterializeVariants(ctx, "hero", []domain.VariantInstructions{
		{Label: "dark", Edits: []domain.Edit{{ElementID: "bg", Property: "fill", Value: "#000"}}},
		{Label: "promo", Edits: []domain.Edit{{ElementID: "title", Property: "text", Value: "50% off"}}, ImageRef: "http://img/p.png"},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, domain.Frame{ID: "hero~v1", Name: "1_hero_v1"}, created[0])

	dark, err := store.DescribeFrame(ctx, "hero~v1")
	require.NoError(t, err)
	assert.Equal(t, "#000", dark.Elements[0].Props["fill"])
	assert.Equal(t, domain.FrameID("hero"), dark.VariantOf)

	promo, err := store.DescribeFrame(ctx, "hero~v2")
	require.NoError(t, err)
	assert.Equal(t, "50% off", promo.Elements[1].Text)
	assert.Equal(t, "http://img/p.png", promo.ImageRef)

	// the source keeps its own values
	src, err := store.DescribeFrame(ctx, "hero")
	require.NoError(t, err)
	assert.Equal(t, "#fff", src.Elements[0].Props["fill"])

	siblings, err := store.Siblings(ctx, "hero")
	require.NoError(t, err)
	assert.Equal(t, []domain.FrameID{"hero", "hero~v1", "hero~v2"}, []domain.FrameID{siblings[0].ID, siblings[1].ID, siblings[2].ID})

	more, err := store.MaterializeVariants(ctx, "hero", []domain.VariantInstructions{{Label: "again"}})
	require.NoError(t, err)
	assert.Equal(t, domain.FrameID("hero~v3"), more[0].ID)
}

func TestStore_MaterializeUnknownElement(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.MaterializeVariants(context.Background(), "hero", []domain.VariantInstructions{
		{Label: "bad", Edits: []domain.Edit{{ElementID: "nope", Property: "fill", Value: "#000"}}},
	})
	assert.ErrorContains(t, err, "unknown element")
}

func TestStore_Export(t *testing.T) {
	store, exp := newTestStore(t)
	ctx := context.Background()

	_, err := store.MaterializeVariants(ctx, "hero", []domain.VariantInstructions{{Label: "a"}})
	require.NoError(t, err)
	siblings, err := store.Siblings(ctx, "hero")
	require.NoError(t, err)

	require.NoError(t, store.Export(ctx, "1_hero", siblings))
	require.Len(t, exp.batches["1_hero"], 2)
	assert.Equal(t, "a", exp.batches["1_hero"][1].Label)

	err = store.Export(ctx, "1_hero", []domain.Frame{{ID: "missing"}})
	assert.ErrorIs(t, err, domain.ErrFrameNotFound)
}
