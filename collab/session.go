package collab

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"slidesync-server/core"
)

// SlideIndexPolicy decides what happens to a change_slide index outside
// [0, len(slides)).
type SlideIndexPolicy int

const (
	RejectOutOfRange SlideIndexPolicy = iota
	ClampOutOfRange
)

func ParseSlideIndexPolicy(s string) (SlideIndexPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return RejectOutOfRange, nil
	case "clamp":
		return ClampOutOfRange, nil
	}
	return RejectOutOfRange, fmt.Errorf("unknown slide index policy %q", s)
}

func (p SlideIndexPolicy) String() string {
	if p == ClampOutOfRange {
		return "clamp"
	}
	return "reject"
}

// Session is the live snapshot of one document.
type Session struct {
	mu                sync.RWMutex
	documentID        string
	slides            []core.Slide
	elements          map[int64]*core.Element
	order             []int64
	currentSlideIndex int
	hydrated          bool
}

// Snapshot is the state sent to a joining client.
type Snapshot struct {
	DocumentID        string         `json:"presentationId"`
	Slides            []core.Slide   `json:"slides"`
	Elements          []core.Element `json:"elements"`
	CurrentSlideIndex int            `json:"currentSlideIndex"`
}

func newSession(documentID string) *Session {
	return &Session{
		documentID: documentID,
		slides:     []core.Slide{},
		elements:   make(map[int64]*core.Element),
	}
}

func (s *Session) DocumentID() string { return s.documentID }

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		DocumentID:        s.documentID,
		Slides:            make([]core.Slide, len(s.slides)),
		Elements:          make([]core.Element, 0, len(s.order)),
		CurrentSlideIndex: s.currentSlideIndex,
	}
	copy(snap.Slides, s.slides)
	for _, id := range s.order {
		snap.Elements = append(snap.Elements, *s.elements[id])
	}
	return snap
}

func (s *Session) SlideCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slides)
}

func (s *Session) ElementCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elements)
}

func (s *Session) CurrentSlideIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSlideIndex
}

// Element returns a copy of the element with the given id.
func (s *Session) Element(id int64) (core.Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.elements[id]
	if !ok {
		return core.Element{}, false
	}
	return *e, true
}

func (s *Session) HasSlide(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.slides {
		if s.slides[i].ID == id {
			return true
		}
	}
	return false
}

// claimHydration reports true exactly once, for the caller that should seed
// the session from persistence.
func (s *Session) claimHydration() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hydrated {
		return false
	}
	s.hydrated = true
	return true
}

func (s *Session) seed(slides []*core.Slide, elements []*core.Element, now time.Time) {
	for _, slide := range slides {
		s.addSlide(*slide, now)
	}
	for _, e := range elements {
		s.addElement(*e, now)
	}
}

func (s *Session) addSlide(slide core.Slide, now time.Time) core.Slide {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slide.CreatedAt.IsZero() {
		slide.CreatedAt = now
	}
	replaced := false
	for i := range s.slides {
		if s.slides[i].ID == slide.ID {
			s.slides[i] = slide
			replaced = true
			break
		}
	}
	if !replaced {
		s.slides = append(s.slides, slide)
	}
	s.sortSlidesLocked()
	return slide
}

func (s *Session) updateSlide(id int64, patch core.SlidePatch) (core.Slide, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slides {
		if s.slides[i].ID == id {
			patch.Apply(&s.slides[i])
			updated := s.slides[i]
			s.sortSlidesLocked()
			return updated, true
		}
	}
	return core.Slide{}, false
}

// deleteSlide removes the slide and every element on it, keeping the current
// slide pointer inside the remaining slides.
func (s *Session) deleteSlide(id int64) ([]int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.slides {
		if s.slides[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	s.slides = append(s.slides[:idx], s.slides[idx+1:]...)
	if idx < s.currentSlideIndex {
		s.currentSlideIndex--
	}

	var removed []int64
	kept := s.order[:0]
	for _, elementID := range s.order {
		if s.elements[elementID].SlideID == id {
			removed = append(removed, elementID)
			delete(s.elements, elementID)
			continue
		}
		kept = append(kept, elementID)
	}
	s.order = kept

	if s.currentSlideIndex >= len(s.slides) {
		s.currentSlideIndex = max(len(s.slides)-1, 0)
	}
	return removed, true
}

// addElement stores a copy of e. It reports false when an element with the
// same id was replaced instead of added.
func (s *Session) addElement(e core.Element, now time.Time) (core.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = core.Later(now, e.UpdatedAt, e.CreatedAt)
	props := make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	e.Properties = props

	_, exists := s.elements[e.ID]
	s.elements[e.ID] = &e
	if !exists {
		s.order = append(s.order, e.ID)
	}
	return e, !exists
}

func (s *Session) updateElement(id int64, patch core.ElementPatch, now time.Time) (core.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.elements[id]
	if !ok {
		return core.Element{}, false
	}
	patch.Apply(e, now)
	return *e, true
}

func (s *Session) deleteElement(id int64) (core.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.elements[id]
	if !ok {
		return core.Element{}, false
	}
	delete(s.elements, id)
	for i, elementID := range s.order {
		if elementID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return *e, true
}

func (s *Session) setCurrentSlideIndex(index int, policy SlideIndexPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := max(len(s.slides)-1, 0)
	if index < 0 || index > last {
		if policy != ClampOutOfRange {
			return s.currentSlideIndex, fmt.Errorf("%w: %d not in [0, %d]", ErrSlideIndexOutOfRange, index, last)
		}
		index = min(max(index, 0), last)
	}
	s.currentSlideIndex = index
	return index, nil
}

func (s *Session) sortSlidesLocked() {
	sort.SliceStable(s.slides, func(i, j int) bool {
		return s.slides[i].Position < s.slides[j].Position
	})
}

// SessionStore owns the live sessions, one per document ever joined. Entries
// are never removed while the process runs.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	policy   SlideIndexPolicy
	now      func() time.Time
}

type SessionOption func(*SessionStore)

func WithSlideIndexPolicy(policy SlideIndexPolicy) SessionOption {
	return func(s *SessionStore) { s.policy = policy }
}

func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionStore) { s.now = now }
}

func NewSessionStore(opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*Session),
		policy:   RejectOutOfRange,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the session for documentID, creating an empty one on
// first use.
func (s *SessionStore) GetOrCreate(documentID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[documentID]
	if !ok {
		session = newSession(documentID)
		s.sessions[documentID] = session
	}
	return session
}

// Get returns an existing session without creating one.
func (s *SessionStore) Get(documentID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[documentID]
	return session, ok
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) Policy() SlideIndexPolicy { return s.policy }

func (s *SessionStore) AddSlide(documentID string, slide core.Slide) core.Slide {
	return s.GetOrCreate(documentID).addSlide(slide, s.now())
}

func (s *SessionStore) UpdateSlide(documentID string, slideID int64, patch core.SlidePatch) (core.Slide, bool) {
	return s.GetOrCreate(documentID).updateSlide(slideID, patch)
}

// DeleteSlide removes a slide and its elements, returning the removed element
// ids. An unknown slide is a no-op.
func (s *SessionStore) DeleteSlide(documentID string, slideID int64) ([]int64, bool) {
	return s.GetOrCreate(documentID).deleteSlide(slideID)
}

func (s *SessionStore) AddElement(documentID string, element core.Element) (core.Element, bool) {
	return s.GetOrCreate(documentID).addElement(element, s.now())
}

// UpdateElement merge-patches an element. An unknown element is a no-op.
func (s *SessionStore) UpdateElement(documentID string, elementID int64, patch core.ElementPatch) (core.Element, bool) {
	return s.GetOrCreate(documentID).updateElement(elementID, patch, s.now())
}

func (s *SessionStore) DeleteElement(documentID string, elementID int64) (core.Element, bool) {
	return s.GetOrCreate(documentID).deleteElement(elementID)
}

// SetCurrentSlideIndex moves the shared slide pointer according to the
// store's policy and returns the index actually stored.
func (s *SessionStore) SetCurrentSlideIndex(documentID string, index int) (int, error) {
	return s.GetOrCreate(documentID).setCurrentSlideIndex(index, s.policy)
}
