package presentations

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"slidesync-server/core"
)

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100
)

type CreatePresentationRequest struct {
	Title string `json:"title"`
}

func HandleCreate(store core.PresentationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreatePresentationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Warn("Failed to decode request")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}

		title := strings.TrimSpace(req.Title)
		if title == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Title is required"})
			return
		}

		presentation := &core.Presentation{Title: title}
		if err := store.CreatePresentation(r.Context(), presentation); err != nil {
			logrus.WithField("error", err).Error("Failed to create presentation")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to create presentation"})
			return
		}

		logrus.WithField("presentation_id", presentation.ID).Info("Presentation created")
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, presentation)
	}
}

func HandleList(store core.PresentationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page", defaultPage)
		limit := queryInt(r, "limit", defaultLimit)
		if limit > maxLimit {
			limit = maxLimit
		}

		presentations, err := store.ListPresentations(r.Context(), page, limit)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list presentations")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to list presentations"})
			return
		}

		if presentations == nil {
			presentations = []*core.Presentation{}
		}

		render.JSON(w, r, presentations)
	}
}

func HandleGet(store core.PresentationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid presentation id"})
			return
		}

		presentation, err := store.GetPresentation(r.Context(), id)
		if errors.Is(err, core.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Presentation not found"})
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":           err,
				"presentation_id": id,
			}).Error("Failed to get presentation")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to get presentation"})
			return
		}

		render.JSON(w, r, presentation)
	}
}

// queryInt reads a positive integer query parameter.
func queryInt(r *http.Request, name string, defaultValue int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || value < 1 {
		return defaultValue
	}
	return value
}
