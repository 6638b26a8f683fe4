package elements

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"slidesync-server/core"
)

type (
	CreateElementRequest struct {
		SlideID    int64            `json:"slide_id"`
		Type       core.ElementType `json:"type"`
		Content    string           `json:"content"`
		Position   *core.Position   `json:"position"`
		Size       *core.Size       `json:"size"`
		Properties map[string]any   `json:"properties"`
	}

	Store interface {
		core.ElementStore
		GetSlide(ctx context.Context, id int64) (*core.Slide, error)
	}

	// Notifier mirrors stored element changes into the live session of their
	// presentation.
	Notifier interface {
		ElementAdded(presentationID int64, element core.Element)
		ElementUpdated(presentationID int64, element core.Element, patch core.ElementPatch)
		ElementDeleted(presentationID int64, element core.Element)
	}
)

// presentationOf resolves the presentation of a stored slide. A failed
// lookup only skips the live notification.
func presentationOf(r *http.Request, store Store, slideID int64) (int64, bool) {
	slide, err := store.GetSlide(r.Context(), slideID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error":    err,
			"slide_id": slideID,
		}).Warn("Failed to resolve presentation for live update")
		return 0, false
	}
	return slide.PresentationID, true
}

func HandleCreate(store Store, notifier Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateElementRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Warn("Failed to decode request")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}
		if req.SlideID == 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "slide_id is required"})
			return
		}
		if !req.Type.Valid() {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "type must be one of text, image, shape"})
			return
		}

		element := core.NewElement(req.SlideID, req.Type)
		element.Content = req.Content
		if req.Position != nil {
			element.Position = *req.Position
		}
		if req.Size != nil {
			element.Size = *req.Size
		}
		if req.Properties != nil {
			element.Properties = req.Properties
		}

		err := store.CreateElement(r.Context(), element)
		if errors.Is(err, core.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Slide not found"})
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"slide_id": req.SlideID,
			}).Error("Failed to create element")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to create element"})
			return
		}

		if presentationID, ok := presentationOf(r, store, element.SlideID); ok {
			notifier.ElementAdded(presentationID, *element)
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, element)
	}
}

func HandleList(store core.ElementStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slideID, err := strconv.ParseInt(chi.URLParam(r, "slideId"), 10, 64)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid slide id"})
			return
		}

		elements, err := store.ListElements(r.Context(), slideID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"slide_id": slideID,
			}).Error("Failed to list elements")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to list elements"})
			return
		}

		if elements == nil {
			elements = []*core.Element{}
		}

		render.JSON(w, r, elements)
	}
}

func HandleUpdate(store Store, notifier Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid element id"})
			return
		}

		var patch core.ElementPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			logrus.WithField("error", err).Warn("Failed to decode request")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}

		element, err := store.UpdateElement(r.Context(), id, patch)
		if errors.Is(err, core.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Element not found"})
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":      err,
				"element_id": id,
			}).Error("Failed to update element")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to update element"})
			return
		}

		if presentationID, ok := presentationOf(r, store, element.SlideID); ok {
			notifier.ElementUpdated(presentationID, *element, patch)
		}

		render.JSON(w, r, element)
	}
}

func HandleDelete(store Store, notifier Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid element id"})
			return
		}

		element, err := store.DeleteElement(r.Context(), id)
		if errors.Is(err, core.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Element not found"})
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":      err,
				"element_id": id,
			}).Error("Failed to delete element")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to delete element"})
			return
		}

		if presentationID, ok := presentationOf(r, store, element.SlideID); ok {
			notifier.ElementDeleted(presentationID, *element)
		}

		render.JSON(w, r, element)
	}
}
