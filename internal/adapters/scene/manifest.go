package scene

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// Manifest describes a frame set on disk:
//
//	frames:
//	  - id: hero
//	    name: 1_hero
//	    elements:
//	      - {id: bg, kind: rectangle}
//	      - {id: title, kind: text, text: Summer sale}
type Manifest struct {
	Frames []ManifestFrame `yaml:"frames"`
}

type ManifestFrame struct {
	ID       domain.FrameID   `yaml:"id"`
	Name     string           `yaml:"name"`
	Elements []domain.Element `yaml:"elements"`
}

// LoadManifest reads and checks a YAML frame manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Frames) == 0 {
		return nil, errors.New("manifest has no frames")
	}
	for i, f := range m.Frames {
		if f.ID == "" {
			return nil, fmt.Errorf("frame %d: id is required", i)
		}
		if f.Name == "" {
			m.Frames[i].Name = string(f.ID)
		}
	}
	return &m, nil
}

// Documents converts the manifest into scene documents ready for Import.
func (m *Manifest) Documents() []domain.FrameDocument {
	docs := make([]domain.FrameDocument, len(m.Frames))
	for i, f := range m.Frames {
		docs[i] = domain.FrameDocument{
			Frame:    domain.Frame{ID: f.ID, Name: f.Name},
			Elements: f.Elements,
		}
	}
	return docs
}

// RunFrames lists the frames in manifest order for a run request.
func (m *Manifest) RunFrames() []domain.Frame {
	frames := make([]domain.Frame, len(m.Frames))
	for i, f := range m.Frames {
		frames[i] = domain.Frame{ID: f.ID, Name: f.Name}
	}
	return frames
}
