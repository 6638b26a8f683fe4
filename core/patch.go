package core

import "time"

type (
	// ElementPatch is a shallow merge patch. A nil field leaves the stored
	// value untouched; a present field, including "" or {}, overwrites it.
	ElementPatch struct {
		Content    *string        `json:"content,omitempty"`
		Position   *Position      `json:"position,omitempty"`
		Size       *Size          `json:"size,omitempty"`
		Properties map[string]any `json:"properties,omitempty"`
	}

	SlidePatch struct {
		Position        *int    `json:"position,omitempty"`
		BackgroundColor *string `json:"background_color,omitempty"`
		TransitionType  *string `json:"transition_type,omitempty"`
	}
)

// Empty reports whether the patch would leave an element unchanged.
func (p ElementPatch) Empty() bool {
	return p.Content == nil && p.Position == nil && p.Size == nil && p.Properties == nil
}

// Apply merges the patch into e and stamps UpdatedAt with now, never moving
// it backwards.
func (p ElementPatch) Apply(e *Element, now time.Time) {
	if p.Content != nil {
		e.Content = *p.Content
	}
	if p.Position != nil {
		e.Position = *p.Position
	}
	if p.Size != nil {
		e.Size = *p.Size
	}
	if p.Properties != nil {
		props := make(map[string]any, len(p.Properties))
		for k, v := range p.Properties {
			props[k] = v
		}
		e.Properties = props
	}
	e.UpdatedAt = Later(now, e.UpdatedAt, e.CreatedAt)
}

func (p SlidePatch) Empty() bool {
	return p.Position == nil && p.BackgroundColor == nil && p.TransitionType == nil
}

func (p SlidePatch) Apply(s *Slide) {
	if p.Position != nil {
		s.Position = *p.Position
	}
	if p.BackgroundColor != nil {
		s.BackgroundColor = *p.BackgroundColor
	}
	if p.TransitionType != nil {
		s.TransitionType = *p.TransitionType
	}
}

// Later returns the latest of the given times.
func Later(t time.Time, others ...time.Time) time.Time {
	for _, o := range others {
		if o.After(t) {
			t = o
		}
	}
	return t
}
