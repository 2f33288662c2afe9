package fanout

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrovue/broadcastd/pkg/scte35"
)

func TestSubscribeReceivesInUpstreamOrder(t *testing.T) {
	r := NewRouter(DefaultQueueDepth)
	ch, err := r.Subscribe("v1")
	require.NoError(t, err)

	upstream := bytes.NewReader(bytes.Repeat([]byte{0xAA}, 188*3))
	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), upstream, 188) }()

	var got [][]byte
	for i := 0; i < 3; i++ {
		select {
		case c := <-ch:
			got = append(got, c)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for chunk")
		}
	}
	require.NoError(t, <-done)
	assert.Len(t, got, 3)
	for _, c := range got {
		assert.Equal(t, 188, len(c))
	}
}

func TestSlowSubscriberDropsWithoutBlockingUpstream(t *testing.T) {
	r := NewRouter(1) // tiny queue so it fills immediately
	ch, err := r.Subscribe("slow")
	require.NoError(t, err)

	upstream := bytes.NewReader(bytes.Repeat([]byte{0xAA}, 188*10))
	err = r.Serve(context.Background(), upstream, 188)
	require.NoError(t, err)

	assert.Greater(t, r.DroppedFrames("slow"), int64(0))
	assert.Equal(t, r.DroppedFrames("slow"), r.DroppedTotal())
	// The reader can still drain whatever made it into the queue.
	select {
	case <-ch:
	default:
		t.Fatal("expected at least one chunk to have been queued")
	}
}

func TestUnsubscribeClosesQueueAndDecrementsCount(t *testing.T) {
	r := NewRouter(DefaultQueueDepth)
	_, err := r.Subscribe("v1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.SubscriberCount())

	r.Unsubscribe("v1")
	assert.Equal(t, 0, r.SubscriberCount())
	// Idempotent.
	r.Unsubscribe("v1")
	assert.Equal(t, 0, r.SubscriberCount())
}

func TestServeStopsOnUpstreamEOF(t *testing.T) {
	r := NewRouter(DefaultQueueDepth)
	err := r.Serve(context.Background(), bytes.NewReader(nil), 188)
	assert.NoError(t, err)
}

func TestServePropagatesUpstreamError(t *testing.T) {
	r := NewRouter(DefaultQueueDepth)
	err := r.Serve(context.Background(), failingReader{}, 188)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, assertErr
}

var assertErr = io.ErrClosedPipe

func TestSubscribeAfterStopReturnsErrStopped(t *testing.T) {
	r := NewRouter(DefaultQueueDepth)
	r.Stop()
	_, err := r.Subscribe("v1")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCueInjectorWrapsIntoSingleTSPacket(t *testing.T) {
	cue, err := scte35.CreateSpliceCueAhead(180000, 360000, 90000, 1)
	require.NoError(t, err)
	require.NotNil(t, cue)

	r := NewRouter(DefaultQueueDepth)
	ch, err := r.Subscribe("v1")
	require.NoError(t, err)

	injector := NewCueInjector(0x1FF0)
	r.InjectCue(injector, cue)

	select {
	case pkt := <-ch:
		require.Equal(t, tsPacketSize, len(pkt))
		assert.Equal(t, byte(scteSyncByte), pkt[0])
		gotPID := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
		assert.Equal(t, injector.PID, gotPID)
		assert.Equal(t, byte(0x00), pkt[3+1], "pointer_field must be 0")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for injected cue")
	}
}
