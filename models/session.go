package models

import (
	"time"
)

const (
	// UnknownLabel is the literal stored when the operator cannot identify the item.
	UnknownLabel = "Unknown"
)

// Phase is a state of the scan session state machine.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseCapturing    Phase = "capturing"
	PhaseReviewing    Phase = "reviewing"
	PhaseRejected     Phase = "rejected"
	PhaseConfirmed    Phase = "confirmed"
)

// Human readable status labels shown to the operator.
const (
	StatusStarting        = "Starting capture…"
	StatusCapturing       = "Capture running"
	StatusReview          = "Review prediction and confirm"
	StatusLowConfidence   = "Low confidence or non-medical item detected"
	StatusConfirmed       = "Item confirmed"
	StatusConnectionError = "Detection service connection error"
	StatusDeviceErrorFmt  = "Capture device error: %s"
)

// Placement is where a confirmed item belongs in storage.
type Placement struct {
	Aisle string `json:"aisle" yaml:"aisle"`
	Row   string `json:"row" yaml:"row"`
	Box   string `json:"box" yaml:"box"`
}

// IsZero reports whether no placement is known.
func (p Placement) IsZero() bool {
	return p == Placement{}
}

// CatalogEntry is the category and placement registered for a label.
type CatalogEntry struct {
	Category  string    `json:"category" yaml:"category"`
	Placement Placement `json:"placement" yaml:"placement"`
}

// ConfirmedItem is the result of an explicit confirmation action.
type ConfirmedItem struct {
	Label       string     `json:"identifiedAs"`
	Category    string     `json:"category,omitempty"`
	Placement   *Placement `json:"placement,omitempty"`
	ConfirmedAt time.Time  `json:"confirmedAt"`
}

// SessionState is the snapshot of a scan session observed by the presentation
// layer. Snapshots are copies and never alias the session's own slices.
type SessionState struct {
	SessionID      string         `json:"session_id"`
	Phase          Phase          `json:"phase"`
	Status         string         `json:"status"`
	Candidates     []Detection    `json:"candidates"`
	RecognizedText []string       `json:"recognized_text"`
	ConfirmedLabel string         `json:"confirmed_label,omitempty"`
	Confirmed      *ConfirmedItem `json:"confirmed,omitempty"`
	Cycle          uint64         `json:"cycle"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// WebSocketMessage is the envelope exchanged with presentation clients.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}
