package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Perceptus-Labs/sos-scanner/config"
	"github.com/Perceptus-Labs/sos-scanner/guardrails"
	"github.com/Perceptus-Labs/sos-scanner/models"
	"github.com/Perceptus-Labs/sos-scanner/utils"
)

var (
	// ErrSessionClosed is returned for actions on a stopped session.
	ErrSessionClosed = errors.New("scan session closed")
	// ErrSessionNotStarted is returned for actions before Start.
	ErrSessionNotStarted = errors.New("scan session not started")
)

// CaptureDevice is an acquired video source.
type CaptureDevice interface {
	utils.Surface
	Release() error
}

// DeviceOpener acquires the capture device. It must honor ctx.
type DeviceOpener func(ctx context.Context) (CaptureDevice, error)

// Detector performs one remote detection call for an encoded frame.
type Detector interface {
	Detect(ctx context.Context, jpegData []byte) (*models.DetectResult, error)
}

// PlacementCatalog resolves a confirmed label to its category and placement.
type PlacementCatalog interface {
	Lookup(ctx context.Context, label string) (models.CatalogEntry, bool, error)
}

// StateObserver is called from the session loop after every state change.
// It must not block.
type StateObserver func(models.SessionState)

// ScanConfig holds the scheduling options of a ScanSession.
type ScanConfig struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	DiscardStale   bool
	ConfirmPolicy  config.ConfirmPolicy
}

// ScanConfigFrom extracts the scheduling options from cfg.
func ScanConfigFrom(cfg config.Config) ScanConfig {
	return ScanConfig{
		Interval:       cfg.Interval,
		RequestTimeout: cfg.RequestTimeout,
		DiscardStale:   cfg.ShouldDiscardStale(),
		ConfirmPolicy:  cfg.ConfirmPolicy,
	}
}

// ScanDeps are the collaborators of a ScanSession.
type ScanDeps struct {
	OpenDevice DeviceOpener
	Encoder    utils.FrameEncoder
	Detector   Detector
	Policy     guardrails.Policy
	Catalog    PlacementCatalog
	Observers  []StateObserver
}

// ScanSession drives the capture → detect → guardrail → state cycle on a
// fixed interval. All state changes happen on a single loop goroutine; the
// ticker, cycle completions and user actions are events fed into it.
type ScanSession struct {
	ID     string
	Logger *zap.Logger

	cfg  ScanConfig
	deps ScanDeps

	ctx    context.Context
	cancel context.CancelFunc
	events chan interface{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}

	mu       sync.RWMutex
	snapshot models.SessionState

	// Owned by the loop goroutine.
	machine     *StateMachine
	device      CaptureDevice
	nextCycle   uint64
	lastApplied uint64
	shownCycle  uint64
	itemFloor   uint64
	confirmSeq  uint64
}

type deviceResult struct {
	device CaptureDevice
	err    error
}

type cycleResult struct {
	id     uint64
	result *models.DetectResult
	err    error
}

type catalogResult struct {
	seq   uint64
	entry models.CatalogEntry
}

type actionKind int

const (
	actionConfirm actionKind = iota
	actionMarkUnknown
	actionNextItem
)

type actionRequest struct {
	kind  actionKind
	label string
	reply chan error
}

func NewScanSession(id string, cfg ScanConfig, deps ScanDeps) *ScanSession {
	ctx, cancel := context.WithCancel(context.Background())
	machine := NewStateMachine(cfg.ConfirmPolicy)

	s := &ScanSession{
		ID:      id,
		Logger:  zap.L().With(zap.String("session_id", id)),
		cfg:     cfg,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan interface{}),
		done:    make(chan struct{}),
		started: make(chan struct{}),
		machine: machine,
	}
	s.snapshot = s.buildSnapshot()
	return s
}

// Start acquires the capture device in the background and runs the loop.
func (s *ScanSession) Start() {
	s.startOnce.Do(func() {
		close(s.started)
		s.Logger.Info("Scan session starting", zap.Duration("interval", s.cfg.Interval))
		go s.run()
		go s.acquireDevice()
	})
}

func (s *ScanSession) acquireDevice() {
	dev, err := s.deps.OpenDevice(s.ctx)
	if !s.post(deviceResult{device: dev, err: err}) && err == nil && dev != nil {
		// The session was torn down while acquiring.
		dev.Release()
	}
}

// post delivers an event to the loop. It returns false once the session is
// stopped, in which case the event is discarded.
func (s *ScanSession) post(ev interface{}) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *ScanSession) run() {
	defer close(s.done)

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-tick:
			s.dispatchCycle()

		case ev := <-s.events:
			switch ev := ev.(type) {
			case deviceResult:
				if s.handleDevice(ev) {
					ticker = time.NewTicker(s.cfg.Interval)
					tick = ticker.C
				}
			case cycleResult:
				s.handleCycle(ev)
			case catalogResult:
				s.handleCatalog(ev)
			case actionRequest:
				ev.reply <- s.handleAction(ev)
			}
		}
	}
}

func (s *ScanSession) handleDevice(ev deviceResult) bool {
	if ev.err != nil {
		s.Logger.Error("Failed to acquire capture device", zap.Error(ev.err))
		s.machine.DeviceFailed(ev.err)
		s.publish()
		return false
	}

	s.device = ev.device
	if err := s.machine.DeviceReady(); err != nil {
		s.Logger.Warn("Unexpected device ready", zap.Error(err))
		return false
	}
	s.Logger.Info("Capture device acquired")
	s.publish()
	return true
}

func (s *ScanSession) dispatchCycle() {
	if !s.machine.AcceptsCycles() {
		s.Logger.Debug("Skipping cycle", zap.String("phase", string(s.machine.Phase())))
		return
	}

	payload, ok, err := s.deps.Encoder.Encode(s.device)
	if err != nil {
		s.Logger.Warn("Failed to encode frame", zap.Error(err))
		return
	}
	if !ok {
		s.Logger.Debug("Capture device has no frame yet, skipping cycle")
		return
	}

	s.nextCycle++
	id := s.nextCycle
	s.Logger.Debug("Dispatching cycle", zap.Uint64("cycle", id), zap.Int("payload_size", len(payload)))

	go func() {
		ctx := s.ctx
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
			defer cancel()
		}
		res, err := s.deps.Detector.Detect(ctx, payload)
		s.post(cycleResult{id: id, result: res, err: err})
	}()
}

func (s *ScanSession) handleCycle(ev cycleResult) {
	if ev.id <= s.itemFloor {
		s.Logger.Debug("Dropping result from a previous item", zap.Uint64("cycle", ev.id))
		return
	}
	if s.cfg.DiscardStale && ev.id <= s.lastApplied {
		s.Logger.Debug("Dropping stale result", zap.Uint64("cycle", ev.id), zap.Uint64("last_applied", s.lastApplied))
		return
	}
	if !s.machine.AcceptsCycles() {
		s.Logger.Debug("Dropping result", zap.Uint64("cycle", ev.id), zap.String("phase", string(s.machine.Phase())))
		return
	}
	if ev.id > s.lastApplied {
		s.lastApplied = ev.id
	}
	s.shownCycle = ev.id

	var err error
	if ev.err != nil || ev.result == nil {
		s.logCycleFailure(ev)
		err = s.machine.ApplyFailure()
	} else {
		candidates := s.deps.Policy.Apply(ev.result.Detections)
		s.Logger.Debug("Detection cycle completed",
			zap.Uint64("cycle", ev.id),
			zap.Int("raw", len(ev.result.Detections)),
			zap.Int("candidates", len(candidates)))
		err = s.machine.ApplyCandidates(candidates, ev.result.Text)
	}
	if err != nil {
		s.Logger.Warn("Failed to apply cycle", zap.Error(err))
		return
	}
	s.publish()
}

// logCycleFailure logs a failed cycle by kind. All kinds are applied the same
// way.
func (s *ScanSession) logCycleFailure(ev cycleResult) {
	fields := []zap.Field{zap.Uint64("cycle", ev.id), zap.Error(ev.err)}
	switch {
	case errors.Is(ev.err, context.DeadlineExceeded), errors.Is(ev.err, context.Canceled):
		s.Logger.Info("Detection request timed out", fields...)
	case utils.IsCycleFailure(ev.err):
		s.Logger.Warn("Detection cycle failed", fields...)
	default:
		s.Logger.Error("Unexpected detection failure", fields...)
	}
}

func (s *ScanSession) handleAction(req actionRequest) error {
	var err error
	switch req.kind {
	case actionConfirm:
		var label string
		label, err = s.machine.Confirm(req.label)
		if err == nil {
			s.confirmed(label)
		}
	case actionMarkUnknown:
		err = s.machine.MarkUnknown()
		if err == nil {
			s.confirmed(models.UnknownLabel)
		}
	case actionNextItem:
		err = s.machine.NextItem()
		if err == nil {
			// Results of cycles dispatched for the previous item are ignored.
			s.itemFloor = s.nextCycle
			s.Logger.Info("Next item")
		}
	}
	if err != nil {
		s.Logger.Debug("Action rejected", zap.Error(err))
		return err
	}
	s.publish()
	return nil
}

func (s *ScanSession) confirmed(label string) {
	s.confirmSeq++
	s.Logger.Info("Item confirmed", zap.String("label", label))

	if s.deps.Catalog == nil || label == models.UnknownLabel {
		return
	}
	seq := s.confirmSeq
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		entry, ok, err := s.deps.Catalog.Lookup(ctx, label)
		if err != nil {
			s.Logger.Warn("Placement lookup failed", zap.String("label", label), zap.Error(err))
			return
		}
		if !ok {
			s.Logger.Info("No placement registered", zap.String("label", label))
			return
		}
		s.post(catalogResult{seq: seq, entry: entry})
	}()
}

func (s *ScanSession) handleCatalog(ev catalogResult) {
	if ev.seq != s.confirmSeq || s.machine.Phase() != models.PhaseConfirmed {
		return
	}
	s.machine.AttachCatalog(ev.entry)
	s.publish()
}

func (s *ScanSession) do(req actionRequest) error {
	select {
	case <-s.started:
	default:
		return ErrSessionNotStarted
	}

	req.reply = make(chan error, 1)
	if !s.post(req) {
		return ErrSessionClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// Confirm confirms label for the current item.
func (s *ScanSession) Confirm(label string) error {
	return s.do(actionRequest{kind: actionConfirm, label: label})
}

// MarkUnknown confirms the current item as Unknown.
func (s *ScanSession) MarkUnknown() error {
	return s.do(actionRequest{kind: actionMarkUnknown})
}

// NextItem clears the confirmed item and resumes capturing.
func (s *ScanSession) NextItem() error {
	return s.do(actionRequest{kind: actionNextItem})
}

// State returns the latest published snapshot.
func (s *ScanSession) State() models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.snapshot)
}

// Done is closed once the session loop has exited.
func (s *ScanSession) Done() <-chan struct{} {
	return s.done
}

// Stop tears the session down: the ticker is stopped, in-flight requests are
// cancelled and their results discarded, and the device is released. It is
// safe to call more than once.
func (s *ScanSession) Stop() {
	s.stopOnce.Do(func() {
		s.Logger.Info("Stopping scan session")
		s.cancel()

		select {
		case <-s.started:
			<-s.done
		default:
		}

		if s.device != nil {
			if err := s.device.Release(); err != nil {
				s.Logger.Warn("Failed to release capture device", zap.Error(err))
			}
			s.device = nil
		}
	})
}

func (s *ScanSession) publish() {
	state := s.buildSnapshot()

	s.mu.Lock()
	s.snapshot = state
	s.mu.Unlock()

	for _, observe := range s.deps.Observers {
		observe(copyState(state))
	}
}

func (s *ScanSession) buildSnapshot() models.SessionState {
	state := s.machine.Snapshot()
	state.SessionID = s.ID
	state.Cycle = s.shownCycle
	state.UpdatedAt = time.Now()
	return state
}

func copyState(in models.SessionState) models.SessionState {
	out := in
	out.Candidates = cloneDetections(in.Candidates)
	out.RecognizedText = cloneStrings(in.RecognizedText)
	if in.Confirmed != nil {
		c := *in.Confirmed
		if c.Placement != nil {
			p := *c.Placement
			c.Placement = &p
		}
		out.Confirmed = &c
	}
	return out
}
