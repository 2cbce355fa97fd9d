package transport

// ProbeStatus tracks the MTU-discovery sub-protocol's lifecycle (spec.md
// §4.5).
type ProbeStatus int

const (
	ProbeNone ProbeStatus = iota
	ProbeInProgress
	ProbeFinished
)

// MTUProber implements the bisection-based path-MTU discovery spec.md §4.5
// describes: starting from a conservative largestSuccessful, grow the
// attempt geometrically until a probe fails, then bisect toward the
// boundary.
type MTUProber struct {
	status ProbeStatus

	largestSuccessful int
	smallestFailed    int // -1 sentinel: no failure observed yet
	currentMTU        int
	attemptSize       int
	attemptTime       float64
	failCount         int

	autoExpand  bool
	frequency   float64 // seconds between probe attempts
	failAttempts int
}

// NewMTUProber initializes the prober per spec.md §4.5: largestSuccessful
// starts at 512, currentMTU at the configured starting value, and the first
// attempt is scheduled interval + 1.5s + rtt from now.
func NewMTUProber(configuredMTU int, autoExpand bool, frequency float64, failAttempts int, now, rtt float64) *MTUProber {
	p := &MTUProber{
		status:            ProbeNone,
		largestSuccessful: 512,
		smallestFailed:    -1,
		currentMTU:        configuredMTU,
		autoExpand:        autoExpand,
		frequency:         frequency,
		failAttempts:      failAttempts,
	}
	p.attemptTime = now + frequency + 1.5 + rtt
	if !autoExpand {
		p.status = ProbeFinished
	} else {
		p.status = ProbeInProgress
	}
	return p
}

// CurrentMTU is the MTU value the connection should currently frame
// datagrams against.
func (p *MTUProber) CurrentMTU() int { return p.currentMTU }

func (p *MTUProber) Status() ProbeStatus { return p.status }

// nextAttemptSize picks the next candidate size per the geometric-growth /
// bisection rule, capped at maxWireMTU.
func (p *MTUProber) nextAttemptSize() int {
	var size int
	if p.smallestFailed == -1 {
		size = int(float64(p.currentMTU) * 1.25)
	} else {
		size = (p.smallestFailed + p.largestSuccessful) / 2
	}
	if size > maxWireMTU {
		size = maxWireMTU
	}
	return size
}

// Heartbeat drives one MTU-probe step. It returns a probe size and true
// when a new ExpandMTURequest should be emitted this tick.
func (p *MTUProber) Heartbeat(now float64) (probeSize int, shouldProbe bool) {
	if p.status != ProbeInProgress {
		return 0, false
	}
	if !p.autoExpand {
		p.finalize(p.currentMTU)
		return 0, false
	}
	if now < p.attemptTime {
		return 0, false
	}
	size := p.nextAttemptSize()
	if size == p.largestSuccessful {
		p.finalize(p.largestSuccessful)
		return 0, false
	}
	p.attemptSize = size
	p.attemptTime = now + p.frequency
	return size, true
}

// OnProbeFailed records that attemptSize failed (ICMP fragmentation-needed
// or an explicit send error), per spec.md §4.5. After failAttempts
// consecutive failures the prober finalizes at the largest size known to
// have succeeded.
func (p *MTUProber) OnProbeFailed(size int) {
	if p.status != ProbeInProgress {
		return
	}
	p.smallestFailed = size
	p.failCount++
	if p.failCount >= p.failAttempts {
		p.finalize(p.largestSuccessful)
	}
}

// OnExpandMTUSuccess handles an ExpandMTUSuccess reply reporting the peer
// successfully received a probe of the given size.
func (p *MTUProber) OnExpandMTUSuccess(size int) {
	if size < p.largestSuccessful {
		return
	}
	p.largestSuccessful = size
	if size >= p.currentMTU {
		p.currentMTU = size
	}
}

func (p *MTUProber) finalize(mtu int) {
	p.currentMTU = mtu
	p.status = ProbeFinished
}

// LargestSuccessful and SmallestFailed expose prober internals for the
// boundary-invariant test in spec.md §8
// (largestSuccessful <= currentMTU <= smallestFailed whenever the latter is
// set).
func (p *MTUProber) LargestSuccessful() int { return p.largestSuccessful }
func (p *MTUProber) SmallestFailed() int    { return p.smallestFailed }
