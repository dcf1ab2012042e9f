// Package store is the persistence coordinator: an in-memory hot set in
// front of a Redis cache tier and a Postgres durable tier, with
// write-through semantics and bounded staleness.
package store

import (
	"time"

	"github.com/google/uuid"
)

// PlayerRecord is the durable state for one verified player. The hot set
// holds the authoritative copy; cache and durable tiers trail it by at
// most the batch window.
type PlayerRecord struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Edition     string    `json:"edition"`
	ExternalID  string    `json:"external_id"`

	CumulativeXP   int64            `json:"cumulative_xp"`
	PerSourceTotal map[string]int64 `json:"per_source_total"` // lifetime per-source accrual, sums to CumulativeXP
	PerSourceDay   map[string]int64 `json:"per_source_day"`   // per-source accrual inside the daily window only
	Windows        XPWindows        `json:"windows"`

	MainRank    int          `json:"main_rank"`
	SubRank     int          `json:"sub_rank"`
	RankHistory []RankChange `json:"rank_history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RankChange is one recorded rank transition.
type RankChange struct {
	At       time.Time `json:"at"`
	OldMain  int       `json:"old_main"`
	OldSub   int       `json:"old_sub"`
	NewMain  int       `json:"new_main"`
	NewSub   int       `json:"new_sub"`
	Demotion bool      `json:"demotion"`
}

// rankHistoryLimit bounds the per-record transition history.
const rankHistoryLimit = 16

// RecordRankChange appends a transition, keeping only the newest entries.
func (r *PlayerRecord) RecordRankChange(c RankChange) {
	r.RankHistory = append(r.RankHistory, c)
	if n := len(r.RankHistory) - rankHistoryLimit; n > 0 {
		r.RankHistory = r.RankHistory[n:]
	}
}

// XPWindows tracks the rolling daily/weekly/monthly accrual counters.
// Anchors mark the start of the current window; a counter whose anchor
// lies in a previous window is stale and resets lazily on next touch.
type XPWindows struct {
	Daily   int64 `json:"daily"`
	Weekly  int64 `json:"weekly"`
	Monthly int64 `json:"monthly"`

	DailyAnchor   time.Time `json:"daily_anchor"`
	WeeklyAnchor  time.Time `json:"weekly_anchor"`
	MonthlyAnchor time.Time `json:"monthly_anchor"`
}

// startOfDay truncates to the local midnight anchor.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek anchors on the most recent Monday midnight.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// startOfMonth anchors on the first of the month.
func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// Roll resets any counter whose window has been crossed since its anchor.
// Idempotent: calling twice at the same instant changes nothing, so both
// the lazy per-award path and the midnight job can invoke it freely.
func (w *XPWindows) Roll(now time.Time) {
	if day := startOfDay(now); w.DailyAnchor.Before(day) {
		w.Daily = 0
		w.DailyAnchor = day
	}
	if week := startOfWeek(now); w.WeeklyAnchor.Before(week) {
		w.Weekly = 0
		w.WeeklyAnchor = week
	}
	if month := startOfMonth(now); w.MonthlyAnchor.Before(month) {
		w.Monthly = 0
		w.MonthlyAnchor = month
	}
}

// Add accrues into every window counter.
func (w *XPWindows) Add(amount int64) {
	w.Daily += amount
	w.Weekly += amount
	w.Monthly += amount
}
