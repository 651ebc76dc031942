package scene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/ports"
)

// Exporter takes a finished set of frame documents and rasterizes them
// asynchronously as one batch.
type Exporter interface {
	Export(ctx context.Context, frameName string, docs []domain.FrameDocument) error
}

// Store keeps frame documents as JSON files in one directory:
//
//	dir/{frame id}.json
//	dir/refs/{frame id}.svg
type Store struct {
	logger   *slog.Logger
	dir      string
	exporter Exporter

	mu sync.RWMutex
}

var _ ports.Scene = (*Store)(nil)

func NewStore(logger *slog.Logger, dir string, exporter Exporter) *Store {
	return &Store{logger: logger, dir: dir, exporter: exporter}
}

// Import writes docs, replacing any existing document with the same id.
func (s *Store) Import(ctx context.Context, docs []domain.FrameDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.write(doc); err != nil {
			return err
		}
	}
	s.logger.Info("frames imported", "count", len(docs), "dir", s.dir)
	return nil
}

func (s *Store) DescribeFrame(ctx context.Context, id domain.FrameID) (domain.FrameDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

// RenderReference writes a schematic SVG of the frame and returns its path.
func (s *Store) RenderReference(ctx context.Context, id domain.FrameID) (string, error) {
	s.mu.RLock()
	doc, err := s.read(id)
	s.mu.RUnlock()
	if err != nil {
		return "", err
	}

	refs := filepath.Join(s.dir, "refs")
	if err := os.MkdirAll(refs, 0o755); err != nil {
		return "", fmt.Errorf("failed to create refs dir: %w", err)
	}

	path := filepath.Join(refs, domain.SafeName(string(id))+".svg")
	if err := os.WriteFile(path, []byte(referenceSVG(doc)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write reference: %w", err)
	}
	return path, nil
}

func (s *Store) ApplyNames(ctx context.Context, id domain.FrameID, names map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(id)
	if err != nil {
		return err
	}
	for i, el := range doc.Elements {
		if name, ok := names[el.ID]; ok && name != "" {
			doc.Elements[i].Name = name
		}
	}
	return s.write(doc)
}

// MaterializeVariants clones the frame once per instruction set and applies
// its edits to the clone. Variant ids and names continue the source's
// numbering, so repeated calls never overwrite earlier variants.
func (s *Store) MaterializeVariants(ctx context.Context, id domain.FrameID, variants []domain.VariantInstructions) ([]domain.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.read(id)
	if err != nil {
		return nil, err
	}

	created := make([]domain.Frame, 0, len(variants))
	for _, v := range variants {
		n := len(src.Variants) + 1
		doc := domain.FrameDocument{
			Frame: domain.Frame{
				ID:   domain.FrameID(fmt.Sprintf("%s~v%d", id, n)),
				Name: fmt.Sprintf("%s_v%d", src.Frame.Name, n),
			},
			Elements:  cloneElements(src.Elements),
			VariantOf: id,
			Label:     v.Label,
			ImageRef:  v.ImageRef,
		}
		if err := applyEdits(doc.Elements, v.Edits); err != nil {
			return created, fmt.Errorf("variant %q: %w", v.Label, err)
		}
		if err := s.write(doc); err != nil {
			return created, err
		}
		src.Variants = append(src.Variants, doc.Frame.ID)
		created = append(created, doc.Frame)
	}

	if err := s.write(src); err != nil {
		return created, err
	}
	return created, nil
}

func (s *Store) Siblings(ctx context.Context, id domain.FrameID) ([]domain.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, err := s.read(id)
	if err != nil {
		return nil, err
	}
	frames := []domain.Frame{src.Frame}
	for _, vid := range src.Variants {
		doc, err := s.read(vid)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", vid, err)
		}
		frames = append(frames, doc.Frame)
	}
	return frames, nil
}

// Export hands the frames' documents to the exporter. Completion is reported
// on the message bus, not by this call.
func (s *Store) Export(ctx context.Context, frameName string, frames []domain.Frame) error {
	if s.exporter == nil {
		return errors.New("scene has no exporter")
	}

	s.mu.RLock()
	docs := make([]domain.FrameDocument, 0, len(frames))
	for _, f := range frames {
		doc, err := s.read(f.ID)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	return s.exporter.Export(ctx, frameName, docs)
}

func (s *Store) path(id domain.FrameID) string {
	return filepath.Join(s.dir, domain.SafeName(string(id))+".json")
}

func (s *Store) read(id domain.FrameID) (domain.FrameDocument, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return domain.FrameDocument{}, fmt.Errorf("%w: %s", domain.ErrFrameNotFound, id)
	}
	if err != nil {
		return domain.FrameDocument{}, fmt.Errorf("failed to read frame %s: %w", id, err)
	}

	var doc domain.FrameDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.FrameDocument{}, fmt.Errorf("failed to decode frame %s: %w", id, err)
	}
	return doc, nil
}

func (s *Store) write(doc domain.FrameDocument) error {
	if doc.Frame.ID == "" {
		return errors.New("frame id is required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create frames dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode frame %s: %w", doc.Frame.ID, err)
	}

	// write-then-rename keeps readers from seeing half a document
	tmp := s.path(doc.Frame.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write frame %s: %w", doc.Frame.ID, err)
	}
	return os.Rename(tmp, s.path(doc.Frame.ID))
}

func cloneElements(in []domain.Element) []domain.Element {
	out := make([]domain.Element, len(in))
	for i, el := range in {
		out[i] = el
		if el.Props != nil {
			out[i].Props = make(map[string]string, len(el.Props))
			for k, v := range el.Props {
				out[i].Props[k] = v
			}
		}
	}
	return out
}

func applyEdits(elements []domain.Element, edits []domain.Edit) error {
	index := make(map[string]int, len(elements))
	for i, el := range elements {
		index[el.ID] = i
	}
	for _, ed := range edits {
		i, ok := index[ed.ElementID]
		if !ok {
			return fmt.Errorf("unknown element %q", ed.ElementID)
		}
		el := &elements[i]
		switch strings.ToLower(ed.Property) {
		case "text":
			el.Text = ed.Value
		case "name":
			el.Name = ed.Value
		case "image_ref":
			el.ImageRef = ed.Value
		default:
			if el.Props == nil {
				el.Props = make(map[string]string)
			}
			el.Props[ed.Property] = ed.Value
		}
	}
	return nil
}

func referenceSVG(doc domain.FrameDocument) string {
	var b strings.Builder
	height := 40 + 30*len(doc.Elements)
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="480" height="%d">`+"\n", height)
	fmt.Fprintf(&b, `  <text x="10" y="24" font-weight="bold">%s</text>`+"\n", html.EscapeString(doc.Frame.Name))
	for i, el := range doc.Elements {
		label := el.Kind
		if el.Text != "" {
			label += ": " + el.Text
		}
		fmt.Fprintf(&b, `  <rect x="10" y="%d" width="460" height="24" fill="none" stroke="#888"/>`+"\n", 36+30*i)
		fmt.Fprintf(&b, `  <text x="16" y="%d">%s</text>`+"\n", 53+30*i, html.EscapeString(label))
	}
	b.WriteString("</svg>\n")
	return b.String()
}
