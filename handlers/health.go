package handlers

import (
	"net/http"
	"time"

	"petanque-manager.app/cloud/internal/billing"
)

type HealthResponse struct {
	Status    string                `json:"status"`
	Version   string                `json:"version"`
	Timestamp time.Time             `json:"timestamp"`
	Repair    *billing.RepairStatus `json:"repair,omitempty"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: s.clock.Now().UTC(),
	}
	if s.Repairer != nil {
		status := s.Repairer.Status()
		response.Repair = &status
	}
	writeJSON(w, http.StatusOK, response)
}
