package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"petanque-manager.app/cloud/internal/licensekey"
	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/version"
	"petanque-manager.app/cloud/storage"
)

type LicenseRequest struct {
	LicenseKey string `json:"license_key"`
	AppVersion string `json:"app_version,omitempty"`
}

type ValidateResponse struct {
	Valid      bool       `json:"valid"`
	Message    string     `json:"message"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	MaxDevices int        `json:"max_devices,omitempty"`
}

// ValidateLicense tells the desktop app whether a key is currently usable.
func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	var req LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return
	}

	key := strings.ToUpper(strings.TrimSpace(req.LicenseKey))
	if key == "" {
		writeErrorResponse(w, http.StatusBadRequest, "license_key required")
		return
	}
	if !licensekey.Valid(key) {
		respondWithValidation(w, ValidateResponse{Message: "Invalid license format"})
		return
	}

	licenses, err := s.Storage.SelectLicenses(r.Context(), storage.Where(storage.Eq(storage.FieldKey, key)))
	if err != nil {
		logger.Error("Failed to look up license", map[string]interface{}{
			"license_key": key,
			"error":       err.Error(),
		})
		writeErrorResponse(w, http.StatusServiceUnavailable, "License lookup failed")
		return
	}
	if len(licenses) == 0 {
		respondWithValidation(w, ValidateResponse{Message: "License not found"})
		return
	}

	if req.AppVersion != "" && s.appVersion != "" {
		compatible, err := version.IsCompatible(s.appVersion, req.AppVersion)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid app_version")
			return
		}
		if !compatible {
			respondWithValidation(w, ValidateResponse{Message: "License not valid for this app version"})
			return
		}
	}

	license := licenses[0]
	expires := license.ExpiresAt
	resp := ValidateResponse{ExpiresAt: &expires, MaxDevices: license.MaxDevices}
	switch {
	case !license.IsActive():
		resp.Message = "License revoked"
	case !s.clock.Now().Before(license.ExpiresAt):
		resp.Message = "License expired"
	default:
		resp.Valid = true
		resp.Message = "License valid"
	}
	respondWithValidation(w, resp)
}

func respondWithValidation(w http.ResponseWriter, resp ValidateResponse) {
	writeJSON(w, http.StatusOK, resp)
}
