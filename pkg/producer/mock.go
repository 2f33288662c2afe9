package producer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/retrovue/broadcastd/pkg/director"
)

// tsNullPacketSize is the MPEG-TS packet length emitted by Stream's
// synthetic filler, stamped with the null-packet PID (0x1FFF) since no real
// encoder sits behind this mock.
const tsNullPacketSize = 188

var tsNullPacket = func() []byte {
	p := make([]byte, tsNullPacketSize)
	p[0] = 0x47
	p[1] = 0x1F
	p[2] = 0xFF
	p[3] = 0x10
	for i := 4; i < tsNullPacketSize; i++ {
		p[i] = 0xFF
	}
	return p
}()

// MockProducer is a reference Producer used by the orchestrator's own tests
// and suitable as a development stand-in for a real playout engine adapter.
// Every operation is synchronous and in-memory; failure/latency injection is
// exposed via the exported hook fields so tests can simulate a flaky
// playout engine without a goroutine or real I/O.
type MockProducer struct {
	ProducerID string
	ChannelID  string
	Mode       director.Mode

	// FailStart, when non-nil, is returned verbatim by Start.
	FailStart error
	// LoadPreviewResult overrides the (ok, err) LoadPreview returns; nil means
	// always succeed.
	LoadPreviewResult func() (bool, error)
	// SwitchToLiveResult overrides the (ok, err) SwitchToLive returns; nil
	// means always succeed on first call.
	SwitchToLiveResult func(targetBoundaryMs int64) (bool, error)

	mu         sync.Mutex
	health     Health
	startedAt  time.Time
	preview    *Segment
	live       *Segment
	switchedTo int64

	tearingDown      bool
	teardownReason   string
	teardownGrace    time.Duration
	teardownTimeout  time.Duration
	teardownElapsed  time.Duration
	teardownReady    bool
}

// NewMockProducer returns a stopped MockProducer for channelID/mode.
func NewMockProducer(producerID, channelID string, mode director.Mode) *MockProducer {
	return &MockProducer{
		ProducerID:      producerID,
		ChannelID:       channelID,
		Mode:            mode,
		health:          HealthStopped,
		teardownGrace:   500 * time.Millisecond,
		teardownTimeout: 5 * time.Second,
	}
}

func (m *MockProducer) Start(ctx context.Context, plan []Segment, startAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStart != nil {
		m.health = HealthDegraded
		return m.FailStart
	}
	if len(plan) == 0 {
		m.health = HealthDegraded
		return fmt.Errorf("producer: empty plan")
	}
	live := plan[0]
	m.live = &live
	m.startedAt = startAt
	m.health = HealthRunning
	return nil
}

func (m *MockProducer) LoadPreview(ctx context.Context, asset string, startFrame, frameCount int64, fpsNum, fpsDen int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadPreviewResult != nil {
		ok, err := m.LoadPreviewResult()
		if !ok || err != nil {
			return ok, err
		}
	}
	m.preview = &Segment{
		AssetPath:      asset,
		StartFrame:     startFrame,
		FrameCount:     frameCount,
		FPSNumerator:   fpsNum,
		FPSDenominator: fpsDen,
	}
	return true, nil
}

func (m *MockProducer) SwitchToLive(ctx context.Context, targetBoundaryMs int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.switchedTo == targetBoundaryMs {
		return true, nil
	}
	if m.SwitchToLiveResult != nil {
		ok, err := m.SwitchToLiveResult(targetBoundaryMs)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if m.preview == nil {
		return false, fmt.Errorf("producer: no preview loaded for switch")
	}
	m.live = m.preview
	m.preview = nil
	m.switchedTo = targetBoundaryMs
	return true, nil
}

func (m *MockProducer) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = HealthStopped
	m.live = nil
	m.preview = nil
	m.tearingDown = false
	return nil
}

func (m *MockProducer) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *MockProducer) GetState() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		ProducerID: m.ProducerID,
		ChannelID:  m.ChannelID,
		Mode:       m.Mode,
		Health:     m.health,
		StartedAt:  m.startedAt,
	}
}

// RequestTeardown begins graceful shutdown bookkeeping, grounded on the
// teardown state machine every real producer adapter is expected to carry.
func (m *MockProducer) RequestTeardown(reason string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tearingDown {
		return
	}
	m.tearingDown = true
	m.teardownReason = reason
	m.teardownElapsed = 0
	m.teardownReady = false
	if timeout > 0 {
		m.teardownTimeout = timeout
	}
}

// AdvanceTeardown progresses graceful shutdown by dt and reports whether
// teardown has consumed this tick (no further producer work should happen).
func (m *MockProducer) AdvanceTeardown(dt time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tearingDown {
		return false
	}
	if dt > 0 {
		m.teardownElapsed += dt
	}
	if !m.teardownReady && m.teardownElapsed >= m.teardownGrace {
		m.teardownReady = true
	}
	return true
}

// Stream emits a steady rate of MPEG-TS null packets until ctx is cancelled,
// standing in for the real encoder output this mock never produces. The
// rate is fixed rather than paced to the live segment's frame rate, since
// nothing downstream of the fan-out router in this reference build decodes
// the bytes.
func (m *MockProducer) Stream(ctx context.Context) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = pw.CloseWithError(ctx.Err())
				return
			case <-ticker.C:
				if _, err := pw.Write(tsNullPacket); err != nil {
					return
				}
			}
		}
	}()
	return pr, nil
}

var _ Producer = (*MockProducer)(nil)
var _ Streamer = (*MockProducer)(nil)
