package proctor

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Message Types (both directions) ────────────────────────────────

type MessageType string

const (
	// Server → Client
	MessageDetectionResult MessageType = "detection_result"
	MessageViolation       MessageType = "violation"
	MessageAudioLevel      MessageType = "audio_level"
	MessagePong            MessageType = "pong"

	// Client → Server
	MessageFrame           MessageType = "frame"
	MessageAudio           MessageType = "audio"
	MessageBrowserActivity MessageType = "browser_activity"
	MessagePing            MessageType = "ping"
)

// ─── Inbound (Server → Client) ──────────────────────────────────────

// Envelope is used to peek at the message type before full parsing.
// Data carries the type-specific payload.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WireViolation is a violation as it appears on the wire. The server's
// timestamp field is accepted but ignored; receipt time wins.
type WireViolation struct {
	Type           model.ViolationType `json:"type"`
	Severity       model.Severity      `json:"severity"`
	Message        string              `json:"message"`
	Confidence     *float64            `json:"confidence,omitempty"`
	Timestamp      string              `json:"timestamp,omitempty"`
	SnapshotBase64 string              `json:"snapshot_base64,omitempty"`
}

// DetectionResult is the per-frame analysis the detection model pushes back.
type DetectionResult struct {
	Violations     []WireViolation `json:"violations"`
	FaceCount      int             `json:"face_count"`
	LookingAway    bool            `json:"looking_away"`
	MultipleFaces  bool            `json:"multiple_faces"`
	NoPerson       bool            `json:"no_person"`
	PhoneDetected  bool            `json:"phone_detected"`
	BookDetected   bool            `json:"book_detected"`
	SnapshotBase64 string          `json:"snapshot_base64,omitempty"`
}

// AudioLevelEvent is an informational audio reading echoed by the server.
type AudioLevelEvent struct {
	Level float64 `json:"level"`
}

// ─── Outbound (Client → Server) ─────────────────────────────────────

// FrameMessage carries one base64-encoded frame snapshot with the calibrated
// head-pose baseline. Every outbound message is self-contained; the server
// treats each as an independent event.
type FrameMessage struct {
	Type            MessageType `json:"type"`
	Frame           string      `json:"frame"`
	CalibratedPitch float64     `json:"calibrated_pitch"`
	CalibratedYaw   float64     `json:"calibrated_yaw"`
	ExamID          string      `json:"exam_id"`
	StudentID       int         `json:"student_id"`
	StudentName     string      `json:"student_name"`
	AudioLevel      *float64    `json:"audio_level,omitempty"`
}

// AudioMessage carries a standalone audio level reading.
type AudioMessage struct {
	Type        MessageType `json:"type"`
	AudioLevel  float64     `json:"audio_level"`
	ExamID      string      `json:"exam_id"`
	StudentID   int         `json:"student_id"`
	StudentName string      `json:"student_name"`
}

// BrowserActivityMessage reports a client-side violation (tab switch, etc.).
type BrowserActivityMessage struct {
	Type          MessageType `json:"type"`
	ViolationType string      `json:"violation_type"`
	Message       string      `json:"message"`
	ExamID        string      `json:"exam_id"`
	StudentID     int         `json:"student_id"`
	StudentName   string      `json:"student_name"`
}

// PingMessage is the heartbeat. No payload, no identity.
type PingMessage struct {
	Type MessageType `json:"type"`
}
