package handlers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Perceptus-Labs/sos-scanner/config"
	"github.com/Perceptus-Labs/sos-scanner/guardrails"
	"github.com/Perceptus-Labs/sos-scanner/models"
)

var (
	// ErrInvalidTransition is returned for an action the current phase does not allow.
	ErrInvalidTransition = errors.New("action not allowed in current phase")
	// ErrLabelNotCandidate is returned when a confirmed label is not one of the current candidates.
	ErrLabelNotCandidate = errors.New("label is not a current candidate")
	// ErrEmptyLabel is returned when confirming an empty label.
	ErrEmptyLabel = errors.New("label must not be empty")
)

// StateMachine tracks one scanning session's phase, candidates, recognized
// text and confirmation. It is not safe for concurrent use; ScanSession
// only touches it from its event loop.
type StateMachine struct {
	policy config.ConfirmPolicy

	phase       models.Phase
	status      string
	candidates  []models.Detection
	text        []string
	confirmed   *models.ConfirmedItem
	deviceError bool
	now         func() time.Time
}

func NewStateMachine(policy config.ConfirmPolicy) *StateMachine {
	return &StateMachine{
		policy:     policy,
		phase:      models.PhaseInitializing,
		status:     models.StatusStarting,
		candidates: []models.Detection{},
		text:       []string{},
		now:        time.Now,
	}
}

func (m *StateMachine) Phase() models.Phase { return m.phase }

// DeviceReady moves Initializing to Capturing.
func (m *StateMachine) DeviceReady() error {
	if m.phase != models.PhaseInitializing || m.deviceError {
		return fmt.Errorf("%w: device ready in %s", ErrInvalidTransition, m.phase)
	}
	m.phase = models.PhaseCapturing
	m.status = models.StatusCapturing
	return nil
}

// DeviceFailed records a device acquisition failure. The machine stays in
// Initializing for good; a new session is needed to retry.
func (m *StateMachine) DeviceFailed(err error) {
	m.phase = models.PhaseInitializing
	m.deviceError = true
	m.status = fmt.Sprintf(models.StatusDeviceErrorFmt, err)
	m.clearItem()
}

// AcceptsCycles reports whether a detection cycle outcome may be applied.
func (m *StateMachine) AcceptsCycles() bool {
	switch m.phase {
	case models.PhaseCapturing, models.PhaseReviewing, models.PhaseRejected:
		return true
	}
	return false
}

// ApplyCandidates applies the filtered outcome of one cycle. A non-empty
// candidate set moves to Reviewing, an empty one to Rejected. Any previous
// confirmation is cleared.
func (m *StateMachine) ApplyCandidates(candidates []models.Detection, text []string) error {
	if !m.AcceptsCycles() {
		return fmt.Errorf("%w: cycle result in %s", ErrInvalidTransition, m.phase)
	}
	m.confirmed = nil
	m.candidates = cloneDetections(candidates)
	m.text = cloneStrings(text)
	if len(m.candidates) == 0 {
		m.phase = models.PhaseRejected
		m.status = models.StatusLowConfidence
	} else {
		m.phase = models.PhaseReviewing
		m.status = models.StatusReview
	}
	return nil
}

// ApplyFailure records a transport or malformed-response failure for one
// cycle: candidates and text are cleared and capturing continues.
func (m *StateMachine) ApplyFailure() error {
	if !m.AcceptsCycles() {
		return fmt.Errorf("%w: cycle failure in %s", ErrInvalidTransition, m.phase)
	}
	m.confirmed = nil
	m.candidates = []models.Detection{}
	m.text = []string{}
	m.phase = models.PhaseCapturing
	m.status = models.StatusConnectionError
	return nil
}

// Confirm selects label for the current item and returns the label as
// stored. Under ConfirmCandidates the label must match a current candidate,
// compared case-insensitively, and the candidate's spelling is kept.
func (m *StateMachine) Confirm(label string) (string, error) {
	if m.phase != models.PhaseReviewing && m.phase != models.PhaseRejected {
		return "", fmt.Errorf("%w: confirm in %s", ErrInvalidTransition, m.phase)
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return "", ErrEmptyLabel
	}

	if m.policy != config.ConfirmAny {
		match, ok := m.findCandidate(label)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrLabelNotCandidate, label)
		}
		label = match
	}

	m.setConfirmed(label)
	return label, nil
}

// MarkUnknown confirms the current item as the literal Unknown label.
func (m *StateMachine) MarkUnknown() error {
	if m.phase != models.PhaseReviewing && m.phase != models.PhaseRejected {
		return fmt.Errorf("%w: mark unknown in %s", ErrInvalidTransition, m.phase)
	}
	m.setConfirmed(models.UnknownLabel)
	return nil
}

// AttachCatalog adds category and placement to the confirmed item.
func (m *StateMachine) AttachCatalog(entry models.CatalogEntry) {
	if m.phase != models.PhaseConfirmed || m.confirmed == nil {
		return
	}
	m.confirmed.Category = entry.Category
	if !entry.Placement.IsZero() {
		p := entry.Placement
		m.confirmed.Placement = &p
	}
}

// ConfirmedLabel returns the confirmed label, or "" when unset.
func (m *StateMachine) ConfirmedLabel() string {
	if m.confirmed == nil {
		return ""
	}
	return m.confirmed.Label
}

// NextItem starts a new item: back to Capturing with everything cleared.
func (m *StateMachine) NextItem() error {
	if m.phase == models.PhaseInitializing {
		return fmt.Errorf("%w: next item in %s", ErrInvalidTransition, m.phase)
	}
	m.clearItem()
	m.phase = models.PhaseCapturing
	m.status = models.StatusCapturing
	return nil
}

// Snapshot returns a copy of the observable state.
func (m *StateMachine) Snapshot() models.SessionState {
	s := models.SessionState{
		Phase:          m.phase,
		Status:         m.status,
		Candidates:     cloneDetections(m.candidates),
		RecognizedText: cloneStrings(m.text),
	}
	if m.confirmed != nil {
		c := *m.confirmed
		if c.Placement != nil {
			p := *c.Placement
			c.Placement = &p
		}
		s.Confirmed = &c
		s.ConfirmedLabel = c.Label
	}
	return s
}

func (m *StateMachine) findCandidate(label string) (string, bool) {
	key := guardrails.Fold(label)
	for _, c := range m.candidates {
		if guardrails.Fold(c.Label) == key {
			return c.Label, true
		}
	}
	return "", false
}

func (m *StateMachine) setConfirmed(label string) {
	m.confirmed = &models.ConfirmedItem{Label: label, ConfirmedAt: m.now()}
	m.phase = models.PhaseConfirmed
	m.status = models.StatusConfirmed
}

func (m *StateMachine) clearItem() {
	m.candidates = []models.Detection{}
	m.text = []string{}
	m.confirmed = nil
}

func cloneDetections(in []models.Detection) []models.Detection {
	out := make([]models.Detection, len(in))
	copy(out, in)
	return out
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
