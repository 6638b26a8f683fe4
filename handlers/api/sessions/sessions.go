package sessions

import (
	"net/http"
	"sort"

	"github.com/go-chi/render"
)

type (
	SessionInfo struct {
		PresentationID string `json:"presentationId"`
		Connections    int    `json:"connections"`
	}

	// Documents reports the live documents and how many bound connections
	// each one has.
	Documents interface {
		Documents() map[string]int
	}
)

// HandleList lists live sessions, busiest first.
func HandleList(registry Documents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs := registry.Documents()
		sessions := make([]SessionInfo, 0, len(docs))
		for id, count := range docs {
			sessions = append(sessions, SessionInfo{PresentationID: id, Connections: count})
		}
		sort.Slice(sessions, func(i, j int) bool {
			if sessions[i].Connections == sessions[j].Connections {
				return sessions[i].PresentationID < sessions[j].PresentationID
			}
			return sessions[i].Connections > sessions[j].Connections
		})

		render.JSON(w, r, sessions)
	}
}

func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	}
}
