package storage

import "time"

// DateLayout is the calendar-date format used for reset marks.
const DateLayout = "2006-01-02"

// UsageRecord holds the lookup counters of one identity.
type UsageRecord struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// ResetMarks records the calendar dates of the last daily and monthly resets.
// Empty strings mean the quota state has never been initialised.
type ResetMarks struct {
	LastDailyReset   string `json:"lastDailyReset"`
	LastMonthlyReset string `json:"lastMonthlyReset"`
}

// QuotaState is the full persisted quota document.
type QuotaState struct {
	LastDailyReset   string                 `json:"lastDailyReset"`
	LastMonthlyReset string                 `json:"lastMonthlyReset"`
	Users            map[string]UsageRecord `json:"users"`
}

// NewQuotaState returns an empty quota document.
func NewQuotaState() *QuotaState {
	return &QuotaState{Users: make(map[string]UsageRecord)}
}

// Marks returns the reset marks of the document.
func (s *QuotaState) Marks() ResetMarks {
	return ResetMarks{
		LastDailyReset:   s.LastDailyReset,
		LastMonthlyReset: s.LastMonthlyReset,
	}
}

// InitMarks sets any missing reset mark to date.
func (s *QuotaState) InitMarks(date string) {
	if s.LastDailyReset == "" {
		s.LastDailyReset = date
	}
	if s.LastMonthlyReset == "" {
		s.LastMonthlyReset = date
	}
}

// ResetDaily zeroes every daily counter if the daily mark equals expected.
func (s *QuotaState) ResetDaily(expected, date string) bool {
	if s.LastDailyReset != expected {
		return false
	}
	for id, rec := range s.Users {
		rec.Daily = 0
		s.Users[id] = rec
	}
	s.LastDailyReset = date
	return true
}

// ResetMonthly zeroes every monthly counter if the monthly mark equals expected.
func (s *QuotaState) ResetMonthly(expected, date string) bool {
	if s.LastMonthlyReset != expected {
		return false
	}
	for id, rec := range s.Users {
		rec.Monthly = 0
		s.Users[id] = rec
	}
	s.LastMonthlyReset = date
	return true
}

// Increment adds one lookup to both counters of identity.
func (s *QuotaState) Increment(identity string) UsageRecord {
	if s.Users == nil {
		s.Users = make(map[string]UsageRecord)
	}
	rec := s.Users[identity]
	rec.Daily++
	rec.Monthly++
	s.Users[identity] = rec
	return rec
}

// Clone returns a deep copy of the document.
func (s *QuotaState) Clone() *QuotaState {
	out := &QuotaState{
		LastDailyReset:   s.LastDailyReset,
		LastMonthlyReset: s.LastMonthlyReset,
		Users:            make(map[string]UsageRecord, len(s.Users)),
	}
	for id, rec := range s.Users {
		out.Users[id] = rec
	}
	return out
}

// Credentials is the opaque session credential blob and its version.
type Credentials struct {
	Version   int64     `json:"version"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}
