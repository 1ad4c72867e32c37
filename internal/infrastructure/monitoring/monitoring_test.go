package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"carelink/internal/infrastructure/repositories/memory"
	"carelink/internal/infrastructure/signal"
	"carelink/internal/media"
	"carelink/internal/negotiation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ negotiation.Metrics = (*PeerCollector)(nil)
	_ media.Metrics       = (*PeerCollector)(nil)
	_ signal.RelayMetrics = (*RelayCollector)(nil)
)

func TestPeerCollector_CountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPeerCollector(reg)

	c.OfferSent(false)
	c.OfferSent(true)
	c.OfferSent(true)
	c.CandidateBuffered()
	c.CandidateApplied()
	c.CandidateFailed()
	c.RestartRequested("initiator")
	c.ConnectionLost()
	c.StateChanged("connected")
	c.MediaAttempt("hd", "constraints_unsupported")
	c.MediaAttempt("sd", "acquired")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.offersSent.WithLabelValues("false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.offersSent.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.candidatesFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restartsRequested.WithLabelValues("initiator")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mediaAttempts.WithLabelValues("sd", "acquired")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRelayCollector_TracksParticipants(t *testing.T) {
	c := NewRelayCollector(prometheus.NewRegistry())

	c.ParticipantJoined()
	c.ParticipantJoined()
	c.ParticipantLeft()
	c.RoomRejected("room full")
	c.MessageRelayed("offer")
	c.MessageDropped("rate_limited")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.participantsConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.roomsRejected.WithLabelValues("room full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesRelayed.WithLabelValues("offer")))
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddRepositoryCheck(memory.NewMemoryRoomRepository(), 0, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("broken", func(ctx context.Context) (bool, error) {
		return false, errors.New("unreachable")
	}, 0, time.Second)
	h.AddCheck("degraded", func(ctx context.Context) (bool, error) {
		return false, nil
	}, 0, 0)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["room_repository"])
	assert.Equal(t, "unreachable", status.Checks["broken"])
	assert.Equal(t, "check failed", status.Checks["degraded"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_BackgroundReportsFlips(t *testing.T) {
	h := NewHealthChecker()
	failing := make(chan bool, 1)
	failing <- true
	h.AddCheck("flaky", func(ctx context.Context) (bool, error) {
		select {
		case <-failing:
			return false, nil
		default:
			return true, nil
		}
	}, 5*time.Millisecond, time.Second)

	changes := make(chan bool, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx, func(name string, healthy bool, err error) {
		changes <- healthy
	})

	for _, want := range []bool{false, true} {
		select {
		case got := <-changes:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("no health change reported")
		}
	}
}
