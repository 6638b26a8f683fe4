package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidesync-server/core"
)

func TestStoredElementChangesReachSession(t *testing.T) {
	h := newHarness(t, nil)
	seedSlides(h.sessions, "42", 2)
	viewer := h.join("u1", "42", "viewer")
	other := h.join("u2", "7", "viewer")

	element := core.NewElement(2, core.ElementText)
	element.ID = 11
	element.Content = "from rest"
	h.dispatcher.ElementAdded(42, *element)

	session := h.sessions.GetOrCreate("42")
	assert.Equal(t, 1, session.ElementCount())
	added := viewer.last(t, TypeElementAdded)
	assert.EqualValues(t, 2, added["slideId"])
	assert.NotContains(t, added, "userId")

	content := "edited"
	h.dispatcher.ElementUpdated(42, *element, core.ElementPatch{Content: &content})
	live, ok := session.Element(11)
	require.True(t, ok)
	assert.Equal(t, "edited", live.Content)
	assert.Equal(t, "edited", viewer.last(t, TypeElementUpdated)["element"].(map[string]any)["content"])

	h.dispatcher.ElementDeleted(42, *element)
	assert.Zero(t, session.ElementCount())
	assert.EqualValues(t, 11, viewer.last(t, TypeElementDeleted)["elementId"])

	assert.Empty(t, other.ofType(t, TypeElementAdded))
	assert.Empty(t, other.ofType(t, TypeElementUpdated))
	assert.Empty(t, other.ofType(t, TypeElementDeleted))
}

func TestStoredElementOutsideSessionIgnored(t *testing.T) {
	h := newHarness(t, nil)
	seedSlides(h.sessions, "42", 1)
	viewer := h.join("u1", "42", "viewer")
	viewer.reset()

	// No live session for the presentation.
	element := core.NewElement(1, core.ElementText)
	element.ID = 5
	h.dispatcher.ElementAdded(9, *element)
	_, exists := h.sessions.Get("9")
	assert.False(t, exists)

	// A slide the live session does not hold.
	element.SlideID = 3
	h.dispatcher.ElementAdded(42, *element)
	h.dispatcher.ElementDeleted(42, *element)

	assert.Zero(t, h.sessions.GetOrCreate("42").ElementCount())
	assert.Empty(t, viewer.messages(t))
}

func TestStoredElementUpdateAddsMissingElement(t *testing.T) {
	h := newHarness(t, nil)
	seedSlides(h.sessions, "42", 1)
	viewer := h.join("u1", "42", "viewer")

	element := core.NewElement(1, core.ElementShape)
	element.ID = 8
	element.Content = "stored"
	h.dispatcher.ElementUpdated(42, *element, core.ElementPatch{})

	live, ok := h.sessions.GetOrCreate("42").Element(8)
	require.True(t, ok)
	assert.Equal(t, "stored", live.Content)
	assert.Len(t, viewer.ofType(t, TypeElementUpdated), 1)
}

func TestStoredSlideChangesReachSession(t *testing.T) {
	h := newHarness(t, nil)
	seedSlides(h.sessions, "42", 2)
	viewer := h.join("u1", "42", "viewer")

	slide := core.NewSlide(42, 5)
	slide.ID = 9
	h.dispatcher.SlideAdded(*slide)
	assert.Equal(t, 3, h.sessions.GetOrCreate("42").SlideCount())
	assert.EqualValues(t, 9, viewer.last(t, TypeSlideAdded)["slide"].(map[string]any)["id"])

	color := "#222222"
	h.dispatcher.SlideUpdated(*slide, core.SlidePatch{BackgroundColor: &color})
	updated := viewer.last(t, TypeSlideUpdated)["slide"].(map[string]any)
	assert.Equal(t, "#222222", updated["background_color"])

	_, err := h.sessions.SetCurrentSlideIndex("42", 2)
	require.NoError(t, err)
	h.dispatcher.SlideDeleted(42, 1)
	deleted := viewer.last(t, TypeSlideDeleted)
	assert.EqualValues(t, 1, deleted["slideId"])
	assert.EqualValues(t, 1, deleted["currentSlideIndex"])
	assert.Equal(t, 2, h.sessions.GetOrCreate("42").SlideCount())
}
