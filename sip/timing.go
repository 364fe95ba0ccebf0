package sip

import (
	"encoding/json"
	"time"

	"braces.dev/errtrace"
)

// Base timer values from RFC 3261 Appendix A.
const (
	// T1 is the round-trip time estimate.
	T1 = 500 * time.Millisecond
	// T2 caps the retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum time a message stays in the network.
	T4 = 5 * time.Second
	// TimeD is how long response retransmits are absorbed on unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the grace before the automatic 100 Trying on INVITE.
	Time100 = 200 * time.Millisecond
	// TimeProgress is the retransmit interval for the last non-100
	// provisional response of an INVITE server transaction.
	TimeProgress = time.Minute
)

// TimingConfig holds the base SIP timer values.
// The zero value falls back to [T1], [T2], [T4], [TimeD], [Time100],
// [TimeProgress]; every derived timer (TimeA through TimeM) is computed
// from these.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100,
	timeProg time.Duration
}

var defTimingCfg TimingConfig

// NewTimings builds a timing config from explicit base values.
// Zero values keep their defaults, see [TimingConfig].
func NewTimings(t1, t2, t4, timeD, time100, timeProg time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100, timeProg}
}

func orDef(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

// T1 is the round-trip time estimate, [T1] unless set.
func (c TimingConfig) T1() time.Duration { return orDef(c.t1, T1) }

// T2 caps the retransmit interval for non-INVITE requests and INVITE
// responses, [T2] unless set.
func (c TimingConfig) T2() time.Duration { return orDef(c.t2, T2) }

// T4 is the maximum time a message stays in the network, [T4] unless set.
func (c TimingConfig) T4() time.Duration { return orDef(c.t4, T4) }

// Time100 is the grace before the automatic 100 Trying on INVITE,
// [Time100] unless set.
func (c TimingConfig) Time100() time.Duration { return orDef(c.time100, Time100) }

// TimeProgress is the retransmit interval for the last non-100
// provisional response of an INVITE server transaction, [TimeProgress]
// unless set.
func (c TimingConfig) TimeProgress() time.Duration { return orDef(c.timeProg, TimeProgress) }

// TimeA is the initial INVITE retransmit interval on unreliable transport,
// equal to T1.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeC is the proxy INVITE transaction timeout, 600*T1.
func (c TimingConfig) TimeC() time.Duration { return 600 * c.T1() }

// TimeD is how long response retransmits are absorbed on unreliable
// transport, [TimeD] unless set.
func (c TimingConfig) TimeD() time.Duration { return orDef(c.timeD, TimeD) }

// TimeE is the initial non-INVITE retransmit interval on unreliable
// transport, equal to T1.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the initial INVITE response retransmit interval, equal to T1.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is the ACK wait timeout, 64*T1.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI is the ACK retransmit absorption time on unreliable transport,
// equal to T4.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ is the non-INVITE request retransmit absorption time, 64*T1.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK is the response retransmit absorption time on unreliable
// transport, equal to T4.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL is the accepted INVITE retransmit absorption time, 64*T1.
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM is the wait for 2xx retransmits and late 2xx from other branches
// of a forked INVITE, 64*T1.
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0 && c.time100 == 0 && c.timeProg == 0
}

type timingConfData struct {
	T1       time.Duration `json:"t1,omitempty"`
	T2       time.Duration `json:"t2,omitempty"`
	T4       time.Duration `json:"t4,omitempty"`
	TimeD    time.Duration `json:"time_d,omitempty"`
	Time100  time.Duration `json:"time_100,omitempty"`
	TimeProg time.Duration `json:"time_progress,omitempty"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{
		T1:       c.t1,
		T2:       c.t2,
		T4:       c.t4,
		TimeD:    c.timeD,
		Time100:  c.time100,
		TimeProg: c.timeProg,
	}))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	c.t1 = d.T1
	c.t2 = d.T2
	c.t4 = d.T4
	c.timeD = d.TimeD
	c.time100 = d.Time100
	c.timeProg = d.TimeProg
	return nil
}
