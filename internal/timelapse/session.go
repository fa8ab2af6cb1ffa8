package timelapse

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sentinel-hub/eo-timelapse/internal/frames"
)

// Token scopes one search or one generation. Work started under a token
// is discarded once the token is no longer current.
type Token struct {
	ID     string
	ctx    context.Context
	cancel context.CancelFunc
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ID: uuid.NewString(), ctx: ctx, cancel: cancel}
}

// Context is cancelled together with the token
func (t *Token) Context() context.Context {
	return t.ctx
}

func (t *Token) Cancel() {
	t.cancel()
}

func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

type state struct {
	images    []frames.Image
	filters   frames.FilterState
	selectAll bool

	active     int
	activeHash uint64
	activeViz  int
	hasActive  bool
}

// Session owns the image list of the current search. Every mutation goes
// through update, which restores the list ordering and re-derives the
// active frame.
type Session struct {
	mu    sync.Mutex
	st    state
	token *Token

	onFiltersChanged func(frames.FilterState)
}

func NewSession(filters frames.FilterState, selectAll bool) *Session {
	return &Session{st: state{filters: filters, selectAll: selectAll, active: -1}}
}

// Renew cancels the current token, clears the image list and returns a
// new current token derived from ctx.
func (s *Session) Renew(ctx context.Context) *Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil {
		s.token.Cancel()
	}
	s.token = newToken(ctx)
	s.st.images = nil
	s.st.active, s.st.hasActive = -1, false
	return s.token
}

// Current returns the current token, or nil before the first Renew
func (s *Session) Current() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Cancel cancels the current token without starting a new one
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil {
		s.token.Cancel()
	}
}

// IsCurrent reports whether tok is current and not cancelled
func (s *Session) IsCurrent(tok *Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCurrent(tok)
}

func (s *Session) isCurrent(tok *Token) bool {
	return tok != nil && tok == s.token && !tok.Cancelled()
}

// OnFiltersChanged registers a callback run after SetFilters
func (s *Session) OnFiltersChanged(fn func(frames.FilterState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFiltersChanged = fn
}

// apply runs fn on the latest state if tok is still current. It reports
// whether the write was applied.
func (s *Session) apply(tok *Token, fn func(st *state)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isCurrent(tok) {
		return false
	}
	s.update(fn)
	return true
}

// update must be called with mu held
func (s *Session) update(fn func(st *state)) {
	fn(&s.st)
	frames.Sort(s.st.images)
	s.reanchor()
}

// reanchor keeps the active frame if it is still present and applicable,
// otherwise falls back to the default active index.
func (s *Session) reanchor() {
	st := &s.st
	if st.hasActive {
		for i, img := range st.images {
			if img.FlyoverHash == st.activeHash && img.VisualizationIndex == st.activeViz {
				if st.filters.Applies(img) {
					s.setActive(i)
					return
				}
				break
			}
		}
	}

	if i, ok := frames.FindDefaultActiveIndex(st.images, st.filters); ok {
		s.setActive(i)
		return
	}
	st.active, st.hasActive = -1, false
}

func (s *Session) setActive(i int) {
	s.st.active = i
	s.st.activeHash = s.st.images[i].FlyoverHash
	s.st.activeViz = s.st.images[i].VisualizationIndex
	s.st.hasActive = true
}

// insert adds images fetched under tok
func (s *Session) insert(tok *Token, imgs ...frames.Image) bool {
	return s.apply(tok, func(st *state) {
		st.images = append(st.images, imgs...)
	})
}

// fill sets the data of the placeholder matching hash
func (s *Session) fill(tok *Token, hash uint64, data []byte) bool {
	return s.apply(tok, func(st *state) {
		for i := range st.images {
			if st.images[i].FlyoverHash == hash && st.images[i].Pending() {
				st.images[i].Data = data
				return
			}
		}
	})
}

// Images returns a copy of the image list
func (s *Session) Images() []frames.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frames.Image, len(s.st.images))
	copy(out, s.st.images)
	return out
}

// ActiveIndex returns the index of the displayed frame
func (s *Session) ActiveIndex() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.active, s.st.hasActive
}

func (s *Session) Filters() frames.FilterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.filters
}

func (s *Session) SelectAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.selectAll
}

// SetCapabilities records which metrics the current data sources report
func (s *Session) SetCapabilities(canFilterByClouds, canFilterByCoverage bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update(func(st *state) {
		st.filters.CanFilterByClouds = canFilterByClouds
		st.filters.CanFilterByCoverage = canFilterByCoverage
	})
}

// setCapabilities is SetCapabilities for a search running under tok
func (s *Session) setCapabilities(tok *Token, canFilterByClouds, canFilterByCoverage bool) bool {
	return s.apply(tok, func(st *state) {
		st.filters.CanFilterByClouds = canFilterByClouds
		st.filters.CanFilterByCoverage = canFilterByCoverage
	})
}

// SetFilters changes the thresholds and notifies the registered callback
func (s *Session) SetFilters(maxCCPercentAllowed, minCoverageAllowed float64) {
	s.mu.Lock()
	s.update(func(st *state) {
		st.filters.MaxCCPercentAllowed = maxCCPercentAllowed
		st.filters.MinCoverageAllowed = minCoverageAllowed
	})
	filters, cb := s.st.filters, s.onFiltersChanged
	s.mu.Unlock()

	if cb != nil {
		cb(filters)
	}
}

// ToggleSelected flips the export flag of image i. Deselecting the active
// frame moves the active frame forward.
func (s *Session) ToggleSelected(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.st.images) {
		return false
	}
	s.update(func(st *state) {
		st.images[i].IsSelected = !st.images[i].IsSelected
		if !st.images[i].IsSelected && st.hasActive && st.active == i {
			if next, ok := frames.FindNextActiveIndex(st.images, st.filters, i); ok {
				s.setActive(next)
			}
		}
	})
	return true
}

// SetSelectAll sets the export flag of every image and the default for
// images fetched later
func (s *Session) SetSelectAll(selected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update(func(st *state) {
		st.selectAll = selected
		for i := range st.images {
			st.images[i].IsSelected = selected
		}
	})
}

// Step advances the active frame to the next applicable one
func (s *Session) Step() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := frames.FindNextActiveIndex(s.st.images, s.st.filters, s.st.active)
	if !ok {
		s.st.active, s.st.hasActive = -1, false
		return -1, false
	}
	s.setActive(next)
	return next, true
}

// SelectedForExport returns the frames that go into a generated timelapse
func (s *Session) SelectedForExport() []frames.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return frames.SelectedForExport(s.st.images, s.st.filters)
}
