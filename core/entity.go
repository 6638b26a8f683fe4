package core

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is wrapped by every store when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is wrapped when a save would move a row into another
	// presentation.
	ErrConflict = errors.New("belongs to another presentation")
)

type ElementType string

const (
	ElementText  ElementType = "text"
	ElementImage ElementType = "image"
	ElementShape ElementType = "shape"
)

// Valid reports whether t is one of the element types the schema accepts.
func (t ElementType) Valid() bool {
	switch t {
	case ElementText, ElementImage, ElementShape:
		return true
	}
	return false
}

type (
	Presentation struct {
		ID        int64     `json:"id"`
		Title     string    `json:"title"`
		CreatedAt time.Time `json:"created_at"`
	}

	Slide struct {
		ID              int64     `json:"id"`
		PresentationID  int64     `json:"presentation_id"`
		Position        int       `json:"position"`
		BackgroundColor string    `json:"background_color"`
		TransitionType  string    `json:"transition_type"`
		CreatedAt       time.Time `json:"created_at"`
	}

	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	Size struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}

	// Element is a positioned item on a slide. UpdatedAt is stamped by the
	// server on every accepted mutation and never goes below CreatedAt.
	Element struct {
		ID         int64          `json:"id"`
		SlideID    int64          `json:"slide_id"`
		Type       ElementType    `json:"type"`
		Content    string         `json:"content"`
		Position   Position       `json:"position"`
		Size       Size           `json:"size"`
		Properties map[string]any `json:"properties"`
		CreatedAt  time.Time      `json:"created_at"`
		UpdatedAt  time.Time      `json:"updated_at"`
	}

	PresentationStore interface {
		CreatePresentation(ctx context.Context, presentation *Presentation) error
		// ListPresentations returns one page (1-based) of presentations, newest first.
		ListPresentations(ctx context.Context, page, limit int) ([]*Presentation, error)
		GetPresentation(ctx context.Context, id int64) (*Presentation, error)
	}

	SlideStore interface {
		CreateSlide(ctx context.Context, slide *Slide) error
		// SaveSlide inserts the slide with its given ID or replaces the stored
		// row. A stored row of another presentation is left alone and
		// ErrConflict is returned.
		SaveSlide(ctx context.Context, slide *Slide) error
		GetSlide(ctx context.Context, id int64) (*Slide, error)
		// ListSlides returns the slides of a presentation ordered by position.
		ListSlides(ctx context.Context, presentationID int64) ([]*Slide, error)
		UpdateSlide(ctx context.Context, id int64, patch SlidePatch) (*Slide, error)
		// DeleteSlide removes the slide and, by cascade, its elements.
		DeleteSlide(ctx context.Context, id int64) error
	}

	ElementStore interface {
		CreateElement(ctx context.Context, element *Element) error
		// SaveElement inserts the element with its given ID or replaces the
		// stored row when both slides belong to the same presentation.
		// Otherwise ErrConflict is returned.
		SaveElement(ctx context.Context, element *Element) error
		// ListElements returns the elements of a slide ordered by creation time.
		ListElements(ctx context.Context, slideID int64) ([]*Element, error)
		UpdateElement(ctx context.Context, id int64, patch ElementPatch) (*Element, error)
		DeleteElement(ctx context.Context, id int64) (*Element, error)
	}

	// Store is a complete persistence backend.
	Store interface {
		PresentationStore
		SlideStore
		ElementStore
	}

	// Uploader stores a binary payload out of band and returns the reference
	// clients put into an element's content.
	Uploader interface {
		Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
	}
)

// NewElement fills the column defaults of the slide_elements table.
func NewElement(slideID int64, typ ElementType) *Element {
	return &Element{
		SlideID:    slideID,
		Type:       typ,
		Size:       Size{Width: 100, Height: 100},
		Properties: map[string]any{},
	}
}

// NewSlide fills the column defaults of the slides table.
func NewSlide(presentationID int64, position int) *Slide {
	return &Slide{
		PresentationID:  presentationID,
		Position:        position,
		BackgroundColor: "#FFFFFF",
		TransitionType:  "none",
	}
}
