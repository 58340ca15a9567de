package config

import "time"

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

func (t Timer) Duration() time.Duration {
	return time.Duration(CalculateMillisecondsOfPeriod(t)) * time.Millisecond
}

// TotalSeconds is the timer as a whole number of seconds, the unit Redis
// expiries are expressed in. A zero timer yields 0, meaning "no expiry".
func (t Timer) TotalSeconds() int {
	return int(CalculateMillisecondsOfPeriod(t) / 1000)
}

func CalculateMillisecondsOfPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

// TimerFromSeconds splits seconds into the largest units.
func TimerFromSeconds(seconds int) Timer {
	if seconds <= 0 {
		return Timer{}
	}
	s := uint32(seconds)
	return Timer{
		Days:    s / 86400,
		Hours:   s % 86400 / 3600,
		Minutes: s % 3600 / 60,
		Seconds: s % 60,
	}
}

// HistoryTTLSeconds is the expiry applied to request history logs; 0 keeps
// logs until they are trimmed by length.
func HistoryTTLSeconds() int {
	return GetConfig().History.TTL.TotalSeconds()
}

func DefaultBlacklistTTLSeconds() int {
	return GetConfig().Blacklist.DefaultTTL.TotalSeconds()
}
