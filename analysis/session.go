package analysis

import (
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/coverage-audit/coverage"
)

// =============================================================================
// SELECTION
// =============================================================================

// HeaderState is the select-all checkbox state.
type HeaderState string

const (
	HeaderChecked       HeaderState = "checked"
	HeaderUnchecked     HeaderState = "unchecked"
	HeaderIndeterminate HeaderState = "indeterminate"
)

// Selection is the running sum over the checked rows.
type Selection struct {
	Selected  int             `json:"selected"`
	Total     int             `json:"total"`
	Sum       decimal.Decimal `json:"sum"`
	Formatted string          `json:"formatted"`
	Header    HeaderState     `json:"header"`
}

type selectableRow struct {
	id     string
	amount decimal.Decimal
}

// =============================================================================
// SESSION - Per-page state
// =============================================================================

// Session is the state one page keeps between processing runs: which
// rows are checked and whether initialization finished. It is reset
// whenever the page navigates to a different report.
type Session struct {
	mu sync.Mutex

	defaultChecked bool
	selectAll      bool
	checked        map[string]bool
	rows           []selectableRow

	location    string
	initialized bool
}

func NewSession(defaultChecked bool) *Session {
	s := &Session{defaultChecked: defaultChecked}
	s.resetLocked("")
	return s
}

// Navigate records the current location and resets the session when it
// differs from the previous one. It reports whether a reset happened.
func (s *Session) Navigate(location string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if location == s.location {
		return false
	}
	s.resetLocked(location)
	return true
}

// Reset clears all per-page state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(s.location)
}

func (s *Session) resetLocked(location string) {
	s.location = location
	s.selectAll = s.defaultChecked
	s.checked = make(map[string]bool)
	s.rows = nil
	s.initialized = false
}

// MarkInitialized records that the page finished its first run.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// SetRows replaces the rows after a processing run. Rows seen before
// keep their checkbox; new rows take the current select-all value.
func (s *Session) SetRows(rows []coverage.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows = s.rows[:0]
	for i, r := range rows {
		id := rowKey(r, i)
		amount, err := coverage.ParseAmount(r.NetAmount)
		if err != nil {
			amount = decimal.Zero
		}
		s.rows = append(s.rows, selectableRow{id: id, amount: amount})
		if _, ok := s.checked[id]; !ok {
			s.checked[id] = s.selectAll
		}
	}
	s.syncHeaderLocked()
}

// Toggle sets one row's checkbox.
func (s *Session) Toggle(rowID string, checked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked[rowID] = checked
	s.syncHeaderLocked()
}

// SelectAll sets every current row, and the default for new rows.
func (s *Session) SelectAll(checked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectAll = checked
	for _, r := range s.rows {
		s.checked[r.id] = checked
	}
}

// Selection returns the current running sum and header state.
func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel := Selection{Total: len(s.rows), Sum: decimal.Zero}
	for _, r := range s.rows {
		if s.checked[r.id] {
			sel.Selected++
			sel.Sum = sel.Sum.Add(r.amount)
		}
	}
	sel.Formatted = coverage.FormatAmount(sel.Sum)
	switch {
	case len(s.rows) == 0 && s.selectAll, sel.Selected == sel.Total && sel.Total > 0:
		sel.Header = HeaderChecked
	case sel.Selected == 0:
		sel.Header = HeaderUnchecked
	default:
		sel.Header = HeaderIndeterminate
	}
	return sel
}

// syncHeaderLocked makes select-all follow the rows: all checked turns
// it on, anything less turns it off.
func (s *Session) syncHeaderLocked() {
	if len(s.rows) == 0 {
		return
	}
	all := true
	for _, r := range s.rows {
		if !s.checked[r.id] {
			all = false
			break
		}
	}
	s.selectAll = all
}

func rowKey(r coverage.Row, index int) string {
	if r.RowID != "" {
		return r.RowID
	}
	if r.OrderID != "" {
		return r.OrderID + "#" + strconv.Itoa(index)
	}
	return "row-" + strconv.Itoa(index)
}
