package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

type promptElement struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

func describeElements(elements []domain.Element) string {
	view := make([]promptElement, len(elements))
	for i, el := range elements {
		view[i] = promptElement{ID: el.ID, Kind: el.Kind, Name: el.Name, Text: el.Text}
	}
	raw, _ := json.Marshal(view)
	return string(raw)
}

func renamePrompt(req domain.RenameRequest) string {
	return fmt.Sprintf(`You are labeling the layers of a design frame called %q.
Give every element a short, descriptive, lowercase name using dashes instead of spaces.
Elements: %s
Reply as {"names": {"<element id>": "<new name>"}} covering every element id.`,
		req.FrameName, describeElements(req.Elements))
}

func variantsPrompt(req domain.VariantRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are producing %d alternative layouts of the design frame %q.\n", req.Count, req.FrameName)
	if req.ReferenceImage != "" {
		fmt.Fprintf(&b, "A reference render of the frame is at %s.\n", req.ReferenceImage)
	}
	fmt.Fprintf(&b, "Elements: %s\n", describeElements(req.Elements))
	b.WriteString(`Each variant changes properties of existing elements only (text, color, position, size).
`)
	if req.SynthesizeImagery {
		b.WriteString("Also describe a new background image for each variant in image_prompt.\n")
	}
	b.WriteString(`Reply as {"variants": [{"label": "...", "image_prompt": "...", "edits": [{"element_id": "...", "property": "...", "value": "..."}]}]}`)
	return b.String()
}

type renameReply struct {
	Names map[string]string `json:"names"`
}

type variantReply struct {
	Variants []struct {
		Label       string        `json:"label"`
		ImagePrompt string        `json:"image_prompt"`
		Edits       []domain.Edit `json:"edits"`
	} `json:"variants"`
}

// decodeReply pulls the first JSON object out of a model reply. Models like
// to wrap JSON in prose or code fences.
func decodeReply(reply string, v any) error {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in model reply")
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), v); err != nil {
		return fmt.Errorf("decode model reply: %w", err)
	}
	return nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// fallbackName is the deterministic name used when the model gives none.
func fallbackName(el domain.Element, index int) string {
	kind := slugify(el.Kind)
	if kind == "" {
		kind = "element"
	}
	return fmt.Sprintf("%s-%d", kind, index+1)
}
