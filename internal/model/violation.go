package model

import (
	"time"
)

// ViolationType enumerates the rule breaches the proctoring pipeline reports.
// The first five come from the server-side detection model; the rest are
// browser-activity events reported by the exam client itself.
type ViolationType string

const (
	ViolationLookingAway    ViolationType = "looking_away"
	ViolationMultipleFaces  ViolationType = "multiple_faces"
	ViolationNoPerson       ViolationType = "no_person"
	ViolationPhoneDetected  ViolationType = "phone_detected"
	ViolationBookDetected   ViolationType = "book_detected"
	ViolationTabSwitch      ViolationType = "tab_switch"
	ViolationWindowBlur     ViolationType = "window_blur"
	ViolationFullscreenExit ViolationType = "fullscreen_exit"
)

// Severity enumerates violation severities.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Violation is a single rule-breach event received during a proctored session.
// Timestamp is assigned at receipt time; the server's own timestamp is not
// trusted for ordering.
type Violation struct {
	Type           ViolationType `json:"type"`
	Severity       Severity      `json:"severity"`
	Message        string        `json:"message"`
	Confidence     *float64      `json:"confidence,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	SnapshotBase64 string        `json:"snapshot_base64,omitempty"`
}

// ViolationRecord is a persisted violation bound to its session identity.
type ViolationRecord struct {
	ID             int64         `json:"id"`
	SessionID      string        `json:"session_id"`
	ExamID         string        `json:"exam_id"`
	StudentID      int           `json:"student_id"`
	Type           ViolationType `json:"type"`
	Severity       Severity      `json:"severity"`
	Message        string        `json:"message"`
	Confidence     *float64      `json:"confidence,omitempty"`
	SnapshotBase64 string        `json:"snapshot_base64,omitempty"`
	DetectedAt     time.Time     `json:"detected_at"`
}
