package timesync

import "time"

// Measurement is one completed four-timestamp clock exchange. RequestSent
// and ResponseReceived are recorded on the sampling side; the other two come
// from the remote endpoint.
type Measurement struct {
	RequestSent      time.Time
	RequestReceived  time.Time
	ResponseSent     time.Time
	ResponseReceived time.Time
}

// RTT returns the network round-trip time with the remote processing time
// removed: (t4 - t1) - (t3 - t2). Coarse clocks can make this negative, in
// which case it is clamped to zero.
func (m Measurement) RTT() time.Duration {
	rtt := m.ResponseReceived.Sub(m.RequestSent) - m.ResponseSent.Sub(m.RequestReceived)
	if rtt < 0 {
		return 0
	}
	return rtt
}

// Offset returns the estimated remote-minus-local clock offset:
// ((t2 - t1) + (t3 - t4)) / 2.
func (m Measurement) Offset() time.Duration {
	return (m.RequestReceived.Sub(m.RequestSent) + m.ResponseSent.Sub(m.ResponseReceived)) / 2
}

// OffsetMillis returns the offset in fractional milliseconds.
func (m Measurement) OffsetMillis() float64 {
	return float64(m.Offset()) / float64(time.Millisecond)
}

// RTTMillis returns the round-trip time in fractional milliseconds.
func (m Measurement) RTTMillis() float64 {
	return float64(m.RTT()) / float64(time.Millisecond)
}
