package transport

import (
	"testing"

	"github.com/gatekeep/tridentnet/pkg/clock"
	"github.com/stretchr/testify/require"
)

func TestMTUProberGrowsGeometricallyUntilFirstFailure(t *testing.T) {
	p := NewMTUProber(512, true, 0.5, 3, 0, 0)
	require.Equal(t, ProbeInProgress, p.Status())
	require.Equal(t, -1, p.SmallestFailed())

	size, should := p.Heartbeat(10)
	require.True(t, should)
	require.Equal(t, int(512*1.25), size)
}

func TestMTUProberBisectsAfterAFailure(t *testing.T) {
	// Mirrors spec.md §4.5 scenario 4: an oversized attempt fails, the
	// prober bisects toward the boundary, a bisected attempt succeeds,
	// then a further bisection fails and the search converges.
	p := NewMTUProber(512, true, 0.5, 3, 0, 0)

	size, should := p.Heartbeat(10)
	require.True(t, should)
	require.Equal(t, int(512*1.25), size) // 640

	p.OnProbeFailed(size)
	require.Equal(t, size, p.SmallestFailed())
	require.Equal(t, 512, p.LargestSuccessful())

	size2, should := p.Heartbeat(10.5)
	require.True(t, should)
	require.Equal(t, (640+512)/2, size2) // 576

	p.OnExpandMTUSuccess(size2)
	require.Equal(t, size2, p.LargestSuccessful())

	size3, should := p.Heartbeat(11)
	require.True(t, should)
	require.Equal(t, (640+576)/2, size3) // 608

	p.OnProbeFailed(size3)
	require.Equal(t, size3, p.SmallestFailed())

	// Keep bisecting; each round must stay inside the known-good/known-bad
	// bracket until the prober finalizes at largestSuccessful (here the
	// next failure is the third and exhausts failAttempts).
	now := 11.5
	for i := 0; i < 20 && p.Status() == ProbeInProgress; i++ {
		size, should := p.Heartbeat(now)
		if !should {
			break // converged this tick
		}
		require.GreaterOrEqual(t, size, p.LargestSuccessful())
		require.LessOrEqual(t, size, p.SmallestFailed())
		p.OnProbeFailed(size)
		now += 0.5
	}

	require.Equal(t, ProbeFinished, p.Status())
	require.Equal(t, p.LargestSuccessful(), p.CurrentMTU())
}

func TestMTUProberFinalizesAfterFailAttemptsExhausted(t *testing.T) {
	p := NewMTUProber(512, true, 0.5, 2, 0, 0)

	size, should := p.Heartbeat(10)
	require.True(t, should)
	p.OnProbeFailed(size)
	require.Equal(t, ProbeInProgress, p.Status())

	size2, should := p.Heartbeat(10.5)
	require.True(t, should)
	p.OnProbeFailed(size2)

	require.Equal(t, ProbeFinished, p.Status())
	require.Equal(t, 512, p.CurrentMTU())
}

func TestMTUProberDisabledAutoExpandFinalizesImmediately(t *testing.T) {
	p := NewMTUProber(900, false, 0.5, 3, 0, 0)
	require.Equal(t, ProbeFinished, p.Status())
	require.Equal(t, 900, p.CurrentMTU())

	size, should := p.Heartbeat(10)
	require.False(t, should)
	require.Equal(t, 0, size)
}

func TestConnectionReportSendErrorDrivesBisection(t *testing.T) {
	clk, _ := clock.NewMock()
	deps, _ := testDeps(clk)
	deps.Config.AutoExpandMTU = true
	deps.Config.ExpandMTUFrequency = 0
	c := newConnection(udpAddr(t, "127.0.0.1:1"), 111, deps)
	c.State = Connected
	c.timeoutDeadline = 1000

	c.Heartbeat(100) // initializes the prober; first attempt isn't due yet
	require.NotNil(t, c.mtuProber)

	dgs := c.Heartbeat(102)
	require.NotNil(t, c.pendingProbeDatagram)

	var probe []byte
	for _, dg := range dgs {
		if len(dg) == c.pendingProbeSize {
			probe = dg
		}
	}
	require.NotNil(t, probe)
	attemptedSize := c.pendingProbeSize

	c.ReportSendError(probe, errSimulatedEMSGSIZE)
	require.Equal(t, attemptedSize, c.mtuProber.SmallestFailed())
	require.Nil(t, c.pendingProbeDatagram)
}

var errSimulatedEMSGSIZE = wireErr("simulated EMSGSIZE")
