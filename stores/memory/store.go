package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"slidesync-server/core"
)

type store struct {
	mu            sync.RWMutex
	presentations map[int64]core.Presentation
	slides        map[int64]core.Slide
	elements      map[int64]core.Element
	nextID        map[string]int64
	now           func() time.Time
}

func NewStore() core.Store {
	return &store{
		presentations: make(map[int64]core.Presentation),
		slides:        make(map[int64]core.Slide),
		elements:      make(map[int64]core.Element),
		nextID:        make(map[string]int64),
		now:           time.Now,
	}
}

// allocateLocked returns the next id of a table, skipping ids that were
// written explicitly.
func (s *store) allocateLocked(table string) int64 {
	s.nextID[table]++
	return s.nextID[table]
}

func (s *store) observeLocked(table string, id int64) {
	if id > s.nextID[table] {
		s.nextID[table] = id
	}
}

func notFound(entity string, id int64) error {
	return fmt.Errorf("%s with id %d %w", entity, id, core.ErrNotFound)
}

func conflict(entity string, id int64) error {
	return fmt.Errorf("%s with id %d %w", entity, id, core.ErrConflict)
}

func (s *store) CreatePresentation(ctx context.Context, presentation *core.Presentation) error {
	s.mu.Lock()
	presentation.ID = s.allocateLocked("presentations")
	if presentation.CreatedAt.IsZero() {
		presentation.CreatedAt = s.now().UTC()
	}
	s.presentations[presentation.ID] = *presentation
	s.mu.Unlock()

	logrus.WithField("presentation_id", presentation.ID).Info("Presentation created successfully")
	return nil
}

func (s *store) ListPresentations(ctx context.Context, page, limit int) ([]*core.Presentation, error) {
	s.mu.RLock()
	all := make([]core.Presentation, 0, len(s.presentations))
	for _, p := range s.presentations {
		all = append(all, p)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	out := make([]*core.Presentation, 0, limit)
	start := (page - 1) * limit
	for i := start; i >= 0 && i < len(all) && i < start+limit; i++ {
		p := all[i]
		out = append(out, &p)
	}
	return out, nil
}

func (s *store) GetPresentation(ctx context.Context, id int64) (*core.Presentation, error) {
	log := logrus.WithField("presentation_id", id)

	s.mu.RLock()
	p, ok := s.presentations[id]
	s.mu.RUnlock()

	if !ok {
		log.WithField("error", "presentation not found").Warn("Presentation with specified ID not found")
		return nil, notFound("presentation", id)
	}
	log.Info("Presentation retrieved successfully")
	return &p, nil
}

func (s *store) CreateSlide(ctx context.Context, slide *core.Slide) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.presentations[slide.PresentationID]; !ok {
		return notFound("presentation", slide.PresentationID)
	}
	slide.ID = s.allocateLocked("slides")
	if slide.CreatedAt.IsZero() {
		slide.CreatedAt = s.now().UTC()
	}
	s.slides[slide.ID] = *slide

	logrus.WithFields(logrus.Fields{
		"slide_id":        slide.ID,
		"presentation_id": slide.PresentationID,
	}).Info("Slide created successfully")
	return nil
}

func (s *store) SaveSlide(ctx context.Context, slide *core.Slide) error {
	if slide.ID == 0 {
		return s.CreateSlide(ctx, slide)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.presentations[slide.PresentationID]; !ok {
		return notFound("presentation", slide.PresentationID)
	}
	if existing, ok := s.slides[slide.ID]; ok {
		if existing.PresentationID != slide.PresentationID {
			return conflict("slide", slide.ID)
		}
		if slide.CreatedAt.IsZero() {
			slide.CreatedAt = existing.CreatedAt
		}
	}
	if slide.CreatedAt.IsZero() {
		slide.CreatedAt = s.now().UTC()
	}
	s.observeLocked("slides", slide.ID)
	s.slides[slide.ID] = *slide

	logrus.WithField("slide_id", slide.ID).Debug("Slide saved")
	return nil
}

func (s *store) GetSlide(ctx context.Context, id int64) (*core.Slide, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slide, ok := s.slides[id]
	if !ok {
		return nil, notFound("slide", id)
	}
	return &slide, nil
}

func (s *store) ListSlides(ctx context.Context, presentationID int64) ([]*core.Slide, error) {
	s.mu.RLock()
	out := make([]*core.Slide, 0)
	for _, slide := range s.slides {
		if slide.PresentationID == presentationID {
			slide := slide
			out = append(out, &slide)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Position == out[j].Position {
			return out[i].ID < out[j].ID
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (s *store) UpdateSlide(ctx context.Context, id int64, patch core.SlidePatch) (*core.Slide, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slide, ok := s.slides[id]
	if !ok {
		logrus.WithField("slide_id", id).Warn("Slide with specified ID not found")
		return nil, notFound("slide", id)
	}
	patch.Apply(&slide)
	s.slides[id] = slide

	logrus.WithField("slide_id", id).Info("Slide updated successfully")
	return &slide, nil
}

func (s *store) DeleteSlide(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.slides[id]; !ok {
		return notFound("slide", id)
	}
	delete(s.slides, id)
	for elementID, e := range s.elements {
		if e.SlideID == id {
			delete(s.elements, elementID)
		}
	}

	logrus.WithField("slide_id", id).Info("Slide deleted successfully")
	return nil
}

func (s *store) CreateElement(ctx context.Context, element *core.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.slides[element.SlideID]; !ok {
		return notFound("slide", element.SlideID)
	}
	element.ID = s.allocateLocked("slide_elements")
	s.putElementLocked(element)

	logrus.WithFields(logrus.Fields{
		"element_id": element.ID,
		"slide_id":   element.SlideID,
	}).Info("Element created successfully")
	return nil
}

func (s *store) SaveElement(ctx context.Context, element *core.Element) error {
	if element.ID == 0 {
		return s.CreateElement(ctx, element)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.slides[element.SlideID]
	if !ok {
		return notFound("slide", element.SlideID)
	}
	if existing, ok := s.elements[element.ID]; ok {
		if current, ok := s.slides[existing.SlideID]; ok && current.PresentationID != target.PresentationID {
			return conflict("element", element.ID)
		}
		if element.CreatedAt.IsZero() {
			element.CreatedAt = existing.CreatedAt
		}
	}
	s.observeLocked("slide_elements", element.ID)
	s.putElementLocked(element)

	logrus.WithField("element_id", element.ID).Debug("Element saved")
	return nil
}

func (s *store) putElementLocked(element *core.Element) {
	now := s.now().UTC()
	if element.CreatedAt.IsZero() {
		element.CreatedAt = now
	}
	element.UpdatedAt = core.Later(element.UpdatedAt, element.CreatedAt)
	if element.Properties == nil {
		element.Properties = map[string]any{}
	}
	stored := *element
	stored.Properties = copyProps(element.Properties)
	s.elements[element.ID] = stored
}

func (s *store) ListElements(ctx context.Context, slideID int64) ([]*core.Element, error) {
	s.mu.RLock()
	out := make([]*core.Element, 0)
	for _, e := range s.elements {
		if e.SlideID == slideID {
			e := e
			e.Properties = copyProps(e.Properties)
			out = append(out, &e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *store) UpdateElement(ctx context.Context, id int64, patch core.ElementPatch) (*core.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.elements[id]
	if !ok {
		logrus.WithField("element_id", id).Warn("Element with specified ID not found")
		return nil, notFound("element", id)
	}
	patch.Apply(&e, s.now().UTC())
	s.elements[id] = e

	out := e
	out.Properties = copyProps(e.Properties)
	logrus.WithField("element_id", id).Info("Element updated successfully")
	return &out, nil
}

func (s *store) DeleteElement(ctx context.Context, id int64) (*core.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.elements[id]
	if !ok {
		return nil, notFound("element", id)
	}
	delete(s.elements, id)

	logrus.WithField("element_id", id).Info("Element deleted successfully")
	return &e, nil
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
