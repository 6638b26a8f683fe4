package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"slidesync-server/core"
)

func TestMain(m *testing.M) {
	if !CGOEnabled {
		fmt.Println("skipping sqlite store tests: CGO disabled")
		os.Exit(0)
	}

	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s := NewStore(dbPath).(*store)
	t.Cleanup(func() { _ = s.db.Close() })
	return s
}

func seedPresentation(t *testing.T, s *store) *core.Presentation {
	t.Helper()
	p := &core.Presentation{Title: "Launch deck"}
	if err := s.CreatePresentation(context.Background(), p); err != nil {
		t.Fatalf("CreatePresentation() failed: %v", err)
	}
	return p
}

func seedSlide(t *testing.T, s *store, presentationID int64, position int) *core.Slide {
	t.Helper()
	slide := core.NewSlide(presentationID, position)
	if err := s.CreateSlide(context.Background(), slide); err != nil {
		t.Fatalf("CreateSlide() failed: %v", err)
	}
	return slide
}

func TestNewStore_TablesCreated(t *testing.T) {
	s := setupTestDB(t)

	for _, table := range []string{"presentations", "slides", "slide_elements"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("%s table not created: %v", table, err)
		}
	}
}

func TestWithForeignKeys(t *testing.T) {
	cases := map[string]string{
		"data.db":                   "data.db?_foreign_keys=on",
		"file:data.db?cache=shared": "file:data.db?cache=shared&_foreign_keys=on",
		"data.db?_fk=1":             "data.db?_fk=1",
	}
	for in, want := range cases {
		if got := withForeignKeys(in); got != want {
			t.Errorf("withForeignKeys(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPresentations(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		p := &core.Presentation{Title: fmt.Sprintf("deck %d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.CreatePresentation(ctx, p); err != nil {
			t.Fatalf("CreatePresentation() failed: %v", err)
		}
	}

	page, err := s.ListPresentations(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListPresentations() failed: %v", err)
	}
	if len(page) != 2 || page[0].Title != "deck 2" || page[1].Title != "deck 1" {
		t.Errorf("ListPresentations() first page = %+v", page)
	}

	got, err := s.GetPresentation(ctx, page[0].ID)
	if err != nil {
		t.Fatalf("GetPresentation() failed: %v", err)
	}
	if !got.CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("created_at round trip: got %v", got.CreatedAt)
	}

	_, err = s.GetPresentation(ctx, 999)
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetPresentation() error = %v, want ErrNotFound", err)
	}
}

func TestSlides_DefaultsAndOrder(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := seedPresentation(t, s)

	seedSlide(t, s, p.ID, 2)
	seedSlide(t, s, p.ID, 0)
	seedSlide(t, s, p.ID, 1)

	slides, err := s.ListSlides(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListSlides() failed: %v", err)
	}
	if len(slides) != 3 {
		t.Fatalf("expected 3 slides, got %d", len(slides))
	}
	for i, slide := range slides {
		if slide.Position != i {
			t.Errorf("slide %d position = %d", i, slide.Position)
		}
		if slide.BackgroundColor != "#FFFFFF" || slide.TransitionType != "none" {
			t.Errorf("slide defaults lost: %+v", slide)
		}
	}
}

func TestSlides_ForeignKey(t *testing.T) {
	s := setupTestDB(t)
	err := s.CreateSlide(context.Background(), core.NewSlide(404, 0))
	if err == nil {
		t.Fatal("CreateSlide() accepted a slide for a missing presentation")
	}
}

func TestUpdateSlide_Coalesce(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := seedPresentation(t, s)
	slide := seedSlide(t, s, p.ID, 0)

	transition := "fade"
	updated, err := s.UpdateSlide(ctx, slide.ID, core.SlidePatch{TransitionType: &transition})
	if err != nil {
		t.Fatalf("UpdateSlide() failed: %v", err)
	}
	if updated.TransitionType != "fade" || updated.BackgroundColor != "#FFFFFF" || updated.Position != 0 {
		t.Errorf("UpdateSlide() = %+v", updated)
	}

	_, err = s.UpdateSlide(ctx, 999, core.SlidePatch{TransitionType: &transition})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("UpdateSlide() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteSlide_CascadesElements(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := seedPresentation(t, s)
	slide := seedSlide(t, s, p.ID, 0)

	for i := 0; i < 3; i++ {
		if err := s.CreateElement(ctx, core.NewElement(slide.ID, core.ElementText)); err != nil {
			t.Fatalf("CreateElement() failed: %v", err)
		}
	}
	if err := s.DeleteSlide(ctx, slide.ID); err != nil {
		t.Fatalf("DeleteSlide() failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM slide_elements").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("cascade left %d elements", count)
	}

	if err := s.DeleteSlide(ctx, slide.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second DeleteSlide() error = %v, want ErrNotFound", err)
	}
}

func TestElements_RoundTrip(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := seedPresentation(t, s)
	slide := seedSlide(t, s, p.ID, 0)

	e := core.NewElement(slide.ID, core.ElementShape)
	e.Position = core.Position{X: 12.5, Y: 40}
	e.Properties = map[string]any{"fill": "#FF0000", "strokeWidth": float64(2)}
	if err := s.CreateElement(ctx, e); err != nil {
		t.Fatalf("CreateElement() failed: %v", err)
	}

	elements, err := s.ListElements(ctx, slide.ID)
	if err != nil {
		t.Fatalf("ListElements() failed: %v", err)
	}
	if len(elements) != 1 {
		t.Fatalf("expected 1 element, got %d", len(elements))
	}
	got := elements[0]
	if got.Type != core.ElementShape || got.Position != e.Position || got.Size != (core.Size{Width: 100, Height: 100}) {
		t.Errorf("element fields lost: %+v", got)
	}
	if got.Properties["fill"] != "#FF0000" || got.Properties["strokeWidth"] != float64(2) {
		t.Errorf("properties lost: %v", got.Properties)
	}
}

func TestElements_RejectsUnknownType(t *testing.T) {
	s := setupTestDB(t)
	p := seedPresentation(t, s)
	slide := seedSlide(t, s, p.ID, 0)

	err := s.CreateElement(context.Background(), core.NewElement(slide.ID, core.ElementType("video")))
	if err == nil {
		t.Fatal("CreateElement() accepted an unknown element type")
	}
}

func TestUpdateElement_Coalesce(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := seedPresentation(t, s)
	slide := seedSlide(t, s, p.ID, 0)

	e := core.NewElement(slide.ID, core.ElementText)
	e.Content = "before"
	e.Properties = map[string]any{"bold": true}
	if err := s.CreateElement(ctx, e); err != nil {
		t.Fatalf("CreateElement() failed: %v", err)
	}

	s.now = func() time.Time { return e.UpdatedAt.Add(time.Hour) }
	position := core.Position{X: 3, Y: 4}
	updated, err := s.UpdateElement(ctx, e.ID, core.ElementPatch{Position: &position})
	if err != nil {
		t.Fatalf("UpdateElement() failed: %v", err)
	}
	if updated.Content != "before" || updated.Position != position || updated.Properties["bold"] != true {
		t.Errorf("UpdateElement() = %+v", updated)
	}
	if !updated.UpdatedAt.After(e.UpdatedAt) {
		t.Errorf("updated_at not advanced")
	}

	_, err = s.UpdateElement(ctx, 999, core.ElementPatch{Position: &position})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("UpdateElement() error = %v, want ErrNotFound", err)
	}
}

func TestSaveElement_Upsert(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := seedPresentation(t, s)
	slide := seedSlide(t, s, p.ID, 0)

	e := core.NewElement(slide.ID, core.ElementImage)
	e.ID = 500
	e.Content = "/uploads/a.png"
	if err := s.SaveElement(ctx, e); err != nil {
		t.Fatalf("SaveElement() failed: %v", err)
	}
	e.Content = "/uploads/b.png"
	if err := s.SaveElement(ctx, e); err != nil {
		t.Fatalf("SaveElement() failed: %v", err)
	}

	got, err := s.DeleteElement(ctx, 500)
	if err != nil {
		t.Fatalf("DeleteElement() failed: %v", err)
	}
	if got.Content != "/uploads/b.png" {
		t.Errorf("upsert kept %q", got.Content)
	}
	if _, err := s.DeleteElement(ctx, 500); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second DeleteElement() error = %v, want ErrNotFound", err)
	}
}

func TestSaveSlide_Upsert(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := seedPresentation(t, s)

	slide := core.NewSlide(p.ID, 0)
	slide.ID = 42
	if err := s.SaveSlide(ctx, slide); err != nil {
		t.Fatalf("SaveSlide() failed: %v", err)
	}
	slide.Position = 3
	if err := s.SaveSlide(ctx, slide); err != nil {
		t.Fatalf("SaveSlide() failed: %v", err)
	}

	slides, _ := s.ListSlides(ctx, p.ID)
	if len(slides) != 1 || slides[0].ID != 42 || slides[0].Position != 3 {
		t.Errorf("ListSlides() = %+v", slides)
	}
}

func TestSave_OtherPresentationConflicts(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	first := seedPresentation(t, s)
	second := seedPresentation(t, s)
	owned := seedSlide(t, s, first.ID, 0)
	sibling := seedSlide(t, s, first.ID, 1)
	foreign := seedSlide(t, s, second.ID, 0)

	e := core.NewElement(owned.ID, core.ElementText)
	e.Content = "original"
	if err := s.CreateElement(ctx, e); err != nil {
		t.Fatalf("CreateElement() failed: %v", err)
	}

	moved := core.NewElement(foreign.ID, core.ElementText)
	moved.ID = e.ID
	moved.Content = "moved"
	if err := s.SaveElement(ctx, moved); !errors.Is(err, core.ErrConflict) {
		t.Errorf("SaveElement() error = %v, want ErrConflict", err)
	}

	hijack := core.NewSlide(second.ID, 9)
	hijack.ID = owned.ID
	hijack.BackgroundColor = "#000000"
	if err := s.SaveSlide(ctx, hijack); !errors.Is(err, core.ErrConflict) {
		t.Errorf("SaveSlide() error = %v, want ErrConflict", err)
	}

	got, err := s.getElement(ctx, s.db, e.ID)
	if err != nil {
		t.Fatalf("getElement() failed: %v", err)
	}
	if got.SlideID != owned.ID || got.Content != "original" {
		t.Errorf("element of first presentation changed: %+v", got)
	}
	slide, err := s.getSlide(ctx, s.db, owned.ID)
	if err != nil {
		t.Fatalf("getSlide() failed: %v", err)
	}
	if slide.PresentationID != first.ID || slide.Position != 0 || slide.BackgroundColor != "#FFFFFF" {
		t.Errorf("slide of first presentation changed: %+v", slide)
	}

	// Moving between slides of one presentation is still an upsert.
	within := core.NewElement(sibling.ID, core.ElementText)
	within.ID = e.ID
	within.Content = "within"
	if err := s.SaveElement(ctx, within); err != nil {
		t.Fatalf("SaveElement() failed: %v", err)
	}
	if elements, _ := s.ListElements(ctx, sibling.ID); len(elements) != 1 || elements[0].Content != "within" {
		t.Errorf("ListElements() = %+v", elements)
	}
}
