package realtime

import (
	"encoding/json"
	"net/http"
	"sort"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	games := s.games.List()
	sort.Slice(games, func(i, j int) bool {
		return games[i].StartedAt.Before(games[j].StartedAt)
	})
	writeJSON(w, http.StatusOK, games)
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.games.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGameOutput(w http.ResponseWriter, r *http.Request) {
	events, err := s.games.History(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleMap serves the latest map snapshot for clients that poll.
func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	if s.mapSrc == nil {
		writeError(w, http.StatusNotFound, "no map snapshot")
		return
	}
	raw, ok := s.mapSrc.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no map snapshot")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}
