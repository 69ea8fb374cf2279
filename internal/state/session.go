// Package state holds the per-session Indexer and Calendar counters. The
// scheduler is the only writer; plugins observe the state through crawl.View
// snapshots.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// Config seeds a new Session.
type Config struct {
	Mode      crawl.RuntimeMode
	PageStart int
	PageSize  int
	From      time.Time
	To        time.Time
}

// Validate checks that cfg describes a usable session.
func (c Config) Validate() error {
	switch c.Mode {
	case crawl.ModeHist, crawl.ModeIdx, crawl.ModeDate:
	default:
		return fmt.Errorf("invalid runtime mode %d", int(c.Mode))
	}
	if c.PageStart < 0 {
		return errors.New("page start must be >= 0")
	}
	if c.PageSize < 0 {
		return errors.New("page size must be >= 0")
	}
	if c.Mode == crawl.ModeDate {
		if c.From.IsZero() || c.To.IsZero() {
			return errors.New("date mode requires a from and to date")
		}
		if c.To.Before(c.From) {
			return fmt.Errorf("date window ends (%s) before it starts (%s)",
				c.To.Format(crawl.DateLayout), c.From.Format(crawl.DateLayout))
		}
	}
	return nil
}

// Session is the Indexer/Calendar state for one crawl session.
type Session struct {
	mu           sync.RWMutex
	mode         crawl.RuntimeMode
	pageStart    int
	pageSize     int
	maxIdx       int
	from         time.Time
	to           time.Time
	seeds        int
	recordsTotal int
}

// New validates cfg and returns a fresh session. A zero PageStart defaults
// to 1.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pageStart := cfg.PageStart
	if pageStart == 0 {
		pageStart = 1
	}
	return &Session{
		mode:         cfg.Mode,
		pageStart:    pageStart,
		pageSize:     cfg.PageSize,
		from:         cfg.From.UTC(),
		to:           cfg.To.UTC(),
		recordsTotal: -1,
	}, nil
}

// View returns an immutable snapshot for plugins.
func (s *Session) View() crawl.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crawl.View{
		Mode:         s.mode,
		PageStart:    s.pageStart,
		PageSize:     s.pageSize,
		MaxIdx:       s.maxIdx,
		From:         s.from,
		To:           s.to,
		Seeds:        s.seeds,
		RecordsTotal: s.recordsTotal,
	}
}

// RecordSeed counts one produced seed edge and returns the new count.
func (s *Session) RecordSeed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds++
	return s.seeds
}

// AdvancePage moves to the next page and returns it.
func (s *Session) AdvancePage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageStart++
	return s.pageStart
}

// AdvanceIndex adds n listed records to MaxIdx. Negative n is ignored.
func (s *Session) AdvanceIndex(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.maxIdx += n
	}
	return s.maxIdx
}

// ReportTotal stores the site-reported record total for the current window.
func (s *Session) ReportTotal(n int) error {
	if n < 0 {
		return fmt.Errorf("records total must be >= 0, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordsTotal = n
	return nil
}

// Snapshot is the persisted checkpoint form of a Session.
type Snapshot struct {
	Mode         crawl.RuntimeMode `json:"mode"`
	PageStart    int               `json:"page_start"`
	PageSize     int               `json:"page_size"`
	MaxIdx       int               `json:"max_idx"`
	From         string            `json:"from_date,omitempty"`
	To           string            `json:"to_date,omitempty"`
	Seeds        int               `json:"seeds"`
	RecordsTotal int               `json:"records_total"`
}

// Snapshot captures the current state.
func (s *Session) Snapshot() Snapshot {
	v := s.View()
	snap := Snapshot{
		Mode:         v.Mode,
		PageStart:    v.PageStart,
		PageSize:     v.PageSize,
		MaxIdx:       v.MaxIdx,
		Seeds:        v.Seeds,
		RecordsTotal: v.RecordsTotal,
	}
	if !v.From.IsZero() {
		snap.From = v.FromDate()
	}
	if !v.To.IsZero() {
		snap.To = v.ToDate()
	}
	return snap
}

// Marshal encodes the snapshot as JSON.
func (s Snapshot) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

// Restore rebuilds a Session from a snapshot.
func Restore(snap Snapshot) (*Session, error) {
	from, err := parseOptionalDate(snap.From)
	if err != nil {
		return nil, fmt.Errorf("checkpoint from_date: %w", err)
	}
	to, err := parseOptionalDate(snap.To)
	if err != nil {
		return nil, fmt.Errorf("checkpoint to_date: %w", err)
	}
	sess, err := New(Config{
		Mode:      snap.Mode,
		PageStart: snap.PageStart,
		PageSize:  snap.PageSize,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, err
	}
	if snap.MaxIdx < 0 || snap.Seeds < 0 || snap.RecordsTotal < -1 {
		return nil, errors.New("checkpoint counters out of range")
	}
	sess.maxIdx = snap.MaxIdx
	sess.seeds = snap.Seeds
	sess.recordsTotal = snap.RecordsTotal
	return sess, nil
}

// Unmarshal decodes a JSON checkpoint and restores the session.
func Unmarshal(data []byte) (*Session, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return Restore(snap)
}

func parseOptionalDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(crawl.DateLayout, value, time.UTC)
}
