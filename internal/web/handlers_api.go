package web

import (
	"encoding/json"
	"net/http"
	"sort"
)

// shutterInfo is the API representation of a configured shutter.
type shutterInfo struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Position             int     `json:"position"`
	DurationDown         float64 `json:"duration_down"`
	DurationUp           float64 `json:"duration_up"`
	IntermediatePosition *int    `json:"intermediate_position,omitempty"`
}

// commandRequest is the body of POST /api/shutters/{id}/command.
type commandRequest struct {
	Action   string `json:"action"`
	Position *int   `json:"position,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) shutterList() []shutterInfo {
	shutters := s.ctrl.Shutters()
	list := make([]shutterInfo, 0, len(shutters))
	for id, cfg := range shutters {
		position, err := s.ctrl.Position(id)
		if err != nil {
			continue
		}
		list = append(list, shutterInfo{
			ID:                   id,
			Name:                 cfg.Name,
			Position:             position,
			DurationDown:         cfg.DurationDown,
			DurationUp:           cfg.DurationUp,
			IntermediatePosition: cfg.IntermediatePosition,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (s *Server) handleAPIListShutters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.shutterList())
}

func (s *Server) handleAPIGetShutter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, ok := s.ctrl.Shutters()[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "shutter not found"})
		return
	}
	position, err := s.ctrl.Position(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, shutterInfo{
		ID:                   id,
		Name:                 cfg.Name,
		Position:             position,
		DurationDown:         cfg.DurationDown,
		DurationUp:           cfg.DurationUp,
		IntermediatePosition: cfg.IntermediatePosition,
	})
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.ctrl.Shutters()[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "shutter not found"})
		return
	}

	var req commandRequest
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	s.logger.Info("API command", "shutter", id, "action", req.Action)

	switch req.Action {
	case "lower":
		if err := s.ctrl.Lower(id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	case "rise":
		if err := s.ctrl.Rise(id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	case "stop":
		if err := s.ctrl.StopShutter(id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	case "program":
		if err := s.ctrl.Program(id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	case "set_position":
		if req.Position == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "set_position requires a position"})
			return
		}
		target := min(100, max(0, *req.Position))
		position, err := s.ctrl.Position(id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		// Partial moves block for the travel time; run them off the
		// request and report acceptance. Progress arrives over /ws.
		switch {
		case target < position:
			go func() {
				if err := s.ctrl.LowerPartial(id, target); err != nil {
					s.logger.Warn("set_position failed", "shutter", id, "err", err)
				}
			}()
		case target > position:
			go func() {
				if err := s.ctrl.RisePartial(id, target); err != nil {
					s.logger.Warn("set_position failed", "shutter", id, "err", err)
				}
			}()
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "moving", "target": target})
		return
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action: " + req.Action})
		return
	}

	position, _ := s.ctrl.Position(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "position": position})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
