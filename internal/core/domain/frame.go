package domain

import (
	"errors"
	"strings"
)

var ErrFrameNotFound = errors.New("frame not found")

// FrameID is the scene's opaque identifier for a frame.
type FrameID string

// Frame is one input item of a run.
type Frame struct {
	ID   FrameID `json:"id" yaml:"id"`
	Name string  `json:"name" yaml:"name"`
}

// Element is a sub-element of a frame that can be relabeled and edited.
type Element struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"`
	ImageRef string `json:"image_ref,omitempty" yaml:"image_ref,omitempty"`
	Text     string `json:"text,omitempty" yaml:"text,omitempty"`

	// Props holds free-form style properties (fill, x, y, font_size...).
	Props map[string]string `json:"props,omitempty" yaml:"props,omitempty"`
}

// FrameDocument is the scene-side view of a frame and its elements.
type FrameDocument struct {
	Frame    Frame     `json:"frame"`
	Elements []Element `json:"elements"`

	// VariantOf is set on materialized variants and names the source frame.
	VariantOf FrameID `json:"variant_of,omitempty"`
	Label     string  `json:"label,omitempty"`
	ImageRef  string  `json:"image_ref,omitempty"`

	// Variants lists the frames materialized from this one, in creation order.
	Variants []FrameID `json:"variants,omitempty"`
}

// Edit changes one property of one element.
type Edit struct {
	ElementID string `json:"element_id"`
	Property  string `json:"property"`
	Value     string `json:"value"`
}

// VariantInstructions is the edit set that turns a frame into one variant.
type VariantInstructions struct {
	Label    string `json:"label"`
	Edits    []Edit `json:"edits"`
	ImageRef string `json:"image_ref,omitempty"`
}

// SafeName turns a frame name or id into a single path segment.
func SafeName(name string) string {
	name = strings.TrimSpace(name)
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	name = r.Replace(name)
	if name == "" || name == "." {
		return "_"
	}
	return name
}
