package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind tags every message that travels on the channel.
type MessageKind string

const (
	MessageStageRequest    MessageKind = "stage.request"
	MessageStageResponse   MessageKind = "stage.response"
	MessageExportComplete  MessageKind = "export.complete"
	MessageUploadConfirmed MessageKind = "upload.confirmed"
	MessageProgress        MessageKind = "progress"
)

// Message is the envelope exchanged between the orchestrator and its executors.
// Stage messages are matched by (JobID, Stage); export and upload signals only
// carry FrameName because the export batching downstream never sees job ids.
type Message struct {
	Kind      MessageKind     `json:"kind"`
	JobID     JobID           `json:"job_id,omitempty"`
	Stage     Stage           `json:"stage,omitempty"`
	FrameName string          `json:"frame_name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage builds a message with payload marshalled to JSON.
func NewMessage(kind MessageKind, payload any) (Message, error) {
	msg := Message{Kind: kind, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// RenameRequest asks the executor to relabel a frame's elements.
type RenameRequest struct {
	FrameName string    `json:"frame_name"`
	Elements  []Element `json:"elements"`
}

// RenameResponse maps element id to its new name.
type RenameResponse struct {
	Names map[string]string `json:"names"`
}

// VariantRequest asks the executor for alternative layouts of a frame.
type VariantRequest struct {
	FrameName         string    `json:"frame_name"`
	Elements          []Element `json:"elements"`
	ReferenceImage    string    `json:"reference_image"`
	SynthesizeImagery bool      `json:"synthesize_imagery"`
	Count             int       `json:"count"`
}

type VariantResponse struct {
	Variants []VariantInstructions `json:"variants"`
}

// ExportResult is carried by export.complete.
type ExportResult struct {
	Artifacts []string `json:"artifacts"`
}

// UploadResult is carried by upload.confirmed.
type UploadResult struct {
	Location string `json:"location"`
}
