package slides

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"slidesync-server/collab"
	"slidesync-server/core"
)

type (
	CreateSlideRequest struct {
		PresentationID  int64   `json:"presentation_id"`
		Position        *int    `json:"position"`
		BackgroundColor *string `json:"background_color"`
		TransitionType  *string `json:"transition_type"`
	}

	// Roster answers which live presentation an identity has joined and with
	// which role.
	Roster interface {
		Lookup(identity string) (collab.Binding, bool)
	}

	// Notifier mirrors stored slide changes into the live session of their
	// presentation.
	Notifier interface {
		SlideAdded(slide core.Slide)
		SlideUpdated(slide core.Slide, patch core.SlidePatch)
		SlideDeleted(presentationID, slideID int64)
	}
)

// authorize checks the userId query parameter against the live session of
// presentationID. It writes the error response and returns false on failure.
func authorize(w http.ResponseWriter, r *http.Request, roster Roster, presentationID int64, action collab.Action) bool {
	identity := r.URL.Query().Get("userId")
	if identity == "" {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "userId is required"})
		return false
	}

	binding, ok := roster.Lookup(identity)
	if !ok || binding.DocumentID != strconv.FormatInt(presentationID, 10) || !collab.Authorize(binding.Role, action) {
		logrus.WithFields(logrus.Fields{
			"identity":        identity,
			"presentation_id": presentationID,
			"action":          action.String(),
		}).Warn("Slide request denied")
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, map[string]string{"error": "Insufficient permissions"})
		return false
	}
	return true
}

func HandleCreate(store core.SlideStore, roster Roster, notifier Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSlideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Warn("Failed to decode request")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}
		if req.PresentationID == 0 || req.Position == nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "presentation_id and position are required"})
			return
		}

		if !authorize(w, r, roster, req.PresentationID, collab.ActionManageSlides) {
			return
		}

		slide := core.NewSlide(req.PresentationID, *req.Position)
		if req.BackgroundColor != nil {
			slide.BackgroundColor = *req.BackgroundColor
		}
		if req.TransitionType != nil {
			slide.TransitionType = *req.TransitionType
		}

		err := store.CreateSlide(r.Context(), slide)
		if errors.Is(err, core.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Presentation not found"})
			return
		}
		if err != nil {
			logrus.WithField("error", err).Error("Failed to create slide")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to create slide"})
			return
		}

		notifier.SlideAdded(*slide)

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, slide)
	}
}

func HandleList(store core.SlideStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presentationID, err := strconv.ParseInt(chi.URLParam(r, "presentationId"), 10, 64)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid presentation id"})
			return
		}

		slides, err := store.ListSlides(r.Context(), presentationID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":           err,
				"presentation_id": presentationID,
			}).Error("Failed to list slides")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to list slides"})
			return
		}

		if slides == nil {
			slides = []*core.Slide{}
		}

		render.JSON(w, r, slides)
	}
}

func HandleUpdate(store core.SlideStore, roster Roster, notifier Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, presentationID, ok := slideParams(w, r)
		if !ok {
			return
		}

		var patch core.SlidePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			logrus.WithField("error", err).Warn("Failed to decode request")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}

		if !authorize(w, r, roster, presentationID, collab.ActionEditContent) {
			return
		}
		if !ownedSlide(w, r, store, presentationID, id) {
			return
		}

		slide, err := store.UpdateSlide(r.Context(), id, patch)
		if errors.Is(err, core.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Slide not found"})
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"slide_id": id,
			}).Error("Failed to update slide")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to update slide"})
			return
		}

		notifier.SlideUpdated(*slide, patch)

		render.JSON(w, r, slide)
	}
}

func HandleDelete(store core.SlideStore, roster Roster, notifier Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, presentationID, ok := slideParams(w, r)
		if !ok {
			return
		}

		if !authorize(w, r, roster, presentationID, collab.ActionManageSlides) {
			return
		}
		if !ownedSlide(w, r, store, presentationID, id) {
			return
		}

		err := store.DeleteSlide(r.Context(), id)
		if errors.Is(err, core.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Slide not found"})
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"slide_id": id,
			}).Error("Failed to delete slide")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to delete slide"})
			return
		}

		notifier.SlideDeleted(presentationID, id)

		w.WriteHeader(http.StatusNoContent)
	}
}

// ownedSlide answers 404 unless slide id is stored under presentationID.
func ownedSlide(w http.ResponseWriter, r *http.Request, store core.SlideStore, presentationID, id int64) bool {
	slide, err := store.GetSlide(r.Context(), id)
	if err == nil && slide.PresentationID == presentationID {
		return true
	}
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"error":    err,
			"slide_id": id,
		}).Error("Failed to load slide")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "Failed to load slide"})
		return false
	}
	render.Status(r, http.StatusNotFound)
	render.JSON(w, r, map[string]string{"error": "Slide not found"})
	return false
}

func slideParams(w http.ResponseWriter, r *http.Request) (id, presentationID int64, ok bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Invalid slide id"})
		return 0, 0, false
	}
	presentationID, err = strconv.ParseInt(chi.URLParam(r, "presentationId"), 10, 64)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Invalid presentation id"})
		return 0, 0, false
	}
	return id, presentationID, true
}
