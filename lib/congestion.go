package lib

import (
	"math"
	"time"
)

// CongestionController decides how many bytes a connection may put on the
// wire and when acknowledgements go out. The connection serializes every
// call.
type CongestionController interface {
	// OnDatagramReceived is called with the receive time of every datagram
	// and returns the current send budget in bytes.
	OnDatagramReceived(now time.Time) int
	// OnACK is called once per acknowledged datagram.
	OnACK(rtt time.Duration, sequenceIndex, nextSequenceIndex uint32)
	// OnNACK is called once per tick that received negative acknowledgements.
	OnNACK()
	// OnResend is called once per tick that retransmitted stale datagrams.
	OnResend(nextSequenceIndex uint32)
	OnSendACK()
	ShouldSendACKs(now time.Time) bool
	RetransmissionTimeout() time.Duration
	// TransmissionBandwidth returns the bytes that may be sent now, given
	// the bytes still waiting for acknowledgement.
	TransmissionBandwidth(unACKedBytes int) int
}

// CongestionControllerFactory builds a controller for a connection whose
// usable MTU is mtu.
type CongestionControllerFactory func(mtu int) CongestionController

// SlidingWindow is an RTT driven congestion window in the style of RakNet:
// slow start until the threshold, one MTU of additive increase per
// congestion block afterwards, and a collapse to one MTU on resends.
type SlidingWindow struct {
	mtu                        float64
	congestionWindow           float64
	ssThresh                   float64
	estimatedRTT               float64 // ms, -1 until the first sample
	deviationRTT               float64
	lastRTT                    float64
	backoffThisBlock           bool
	nextCongestionControlBlock uint32
	oldestUnsentAck            time.Time
}

// NewSlidingWindow is the default CongestionControllerFactory.
func NewSlidingWindow(mtu int) CongestionController {
	return &SlidingWindow{
		mtu:              float64(mtu),
		congestionWindow: float64(mtu),
		estimatedRTT:     -1,
		deviationRTT:     -1,
		lastRTT:          -1,
	}
}

func (s *SlidingWindow) OnDatagramReceived(now time.Time) int {
	if s.oldestUnsentAck.IsZero() {
		s.oldestUnsentAck = now
	}
	return int(s.congestionWindow)
}

func (s *SlidingWindow) OnACK(rtt time.Duration, sequenceIndex, nextSequenceIndex uint32) {
	sample := float64(rtt.Milliseconds())
	s.lastRTT = sample
	if s.estimatedRTT == -1 {
		s.estimatedRTT = sample
		s.deviationRTT = sample
	} else {
		diff := sample - s.estimatedRTT
		s.estimatedRTT += 0.5 * diff
		s.deviationRTT += 0.5 * (math.Abs(diff) - s.deviationRTT)
	}

	newBlock := isGreater24(sequenceIndex, s.nextCongestionControlBlock)
	if newBlock {
		s.backoffThisBlock = false
		s.nextCongestionControlBlock = nextSequenceIndex
	}

	if s.inSlowStart() {
		s.congestionWindow += s.mtu
		if s.ssThresh != 0 && s.congestionWindow > s.ssThresh {
			s.congestionWindow = s.ssThresh + s.mtu*s.mtu/s.congestionWindow
		}
	} else if newBlock {
		s.congestionWindow += s.mtu * s.mtu / s.congestionWindow
	}
}

func (s *SlidingWindow) OnNACK() {
	if !s.backoffThisBlock {
		s.ssThresh = s.congestionWindow / 2
	}
}

func (s *SlidingWindow) OnResend(nextSequenceIndex uint32) {
	if s.backoffThisBlock || s.congestionWindow <= s.mtu*2 {
		return
	}
	s.ssThresh = s.congestionWindow / 2
	if s.ssThresh < s.mtu {
		s.ssThresh = s.mtu
	}
	s.congestionWindow = s.mtu
	s.nextCongestionControlBlock = nextSequenceIndex
	s.backoffThisBlock = true
}

func (s *SlidingWindow) OnSendACK() {
	s.oldestUnsentAck = time.Time{}
}

func (s *SlidingWindow) ShouldSendACKs(now time.Time) bool {
	if s.lastRTT == -1 {
		return true
	}
	return !now.Before(s.oldestUnsentAck.Add(CCSyn * time.Millisecond))
}

func (s *SlidingWindow) RetransmissionTimeout() time.Duration {
	if s.estimatedRTT == -1 {
		return CCMaximumThreshold * time.Millisecond
	}
	threshold := 2*s.estimatedRTT + 4*s.deviationRTT + CCAdditionalVariance
	if threshold > CCMaximumThreshold {
		threshold = CCMaximumThreshold
	}
	return time.Duration(threshold) * time.Millisecond
}

func (s *SlidingWindow) TransmissionBandwidth(unACKedBytes int) int {
	if float64(unACKedBytes) <= s.congestionWindow {
		return int(s.congestionWindow - float64(unACKedBytes))
	}
	return 0
}

// CongestionWindow returns the current window in bytes.
func (s *SlidingWindow) CongestionWindow() int {
	return int(s.congestionWindow)
}

func (s *SlidingWindow) inSlowStart() bool {
	return s.ssThresh == 0 || s.congestionWindow <= s.ssThresh
}
