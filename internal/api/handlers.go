package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nelssec/ueba/internal/auth"
	"github.com/nelssec/ueba/internal/ingest"
	"github.com/nelssec/ueba/internal/models"
	"github.com/nelssec/ueba/internal/store"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email and password are required")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) getCurrentPrincipal(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	principal, err := s.principalStore.GetPrincipalByID(r.Context(), claims.PrincipalID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if principal == nil {
		respondError(w, http.StatusNotFound, "not_found", "Account not found")
		return
	}

	respondJSON(w, http.StatusOK, principal)
}

type runDetectionRequest struct {
	Enabled []string `json:"enabled"`
}

// runDetection triggers one synchronous detection run. Detector names come
// from the query string (?enabled=a,b) or the JSON body; an empty selection
// runs every rule evaluator.
func (s *Server) runDetection(w http.ResponseWriter, r *http.Request) {
	var enabled []string

	if q := r.URL.Query().Get("enabled"); q != "" {
		for _, name := range strings.Split(q, ",") {
			if name = strings.TrimSpace(name); name != "" {
				enabled = append(enabled, name)
			}
		}
	} else if r.Body != nil && r.ContentLength > 0 {
		var req runDetectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		enabled = req.Enabled
	}

	created, err := s.detection.Run(r.Context(), enabled)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "detection_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"created": created})
}

func (s *Server) listDetectors(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.detection.Detectors())
}

func (s *Server) listAnomalies(w http.ResponseWriter, r *http.Request) {
	filters := store.ListAnomalyFilters{
		Limit:  50,
		Offset: 0,
	}

	if st := r.URL.Query().Get("status"); st != "" {
		status := models.AnomalyStatus(st)
		if status != models.AnomalyStatusOpen && status != models.AnomalyStatusClosed {
			respondError(w, http.StatusBadRequest, "invalid_status", "status must be open or closed")
			return
		}
		filters.Status = &status
	}
	if uid := r.URL.Query().Get("user_id"); uid != "" {
		id, err := strconv.ParseInt(uid, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be an integer")
			return
		}
		filters.UserID = &id
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			filters.Limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			filters.Offset = v
		}
	}

	anomalies, total, err := s.store.ListAnomalies(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, anomalies, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) listAnomalyTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.store.ListAnomalyTypes(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, types)
}

// resolveAnomaly closes an anomaly. Closing an already-closed anomaly is a
// no-op success; user risk is never recomputed on close.
func (s *Server) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "anomalyID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid anomaly ID")
		return
	}

	if err := s.store.CloseAnomaly(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Anomaly not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) topRiskUsers(w http.ResponseWriter, r *http.Request) {
	limit := 10
	minRisk := 0.0

	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}
	if m := r.URL.Query().Get("min_risk"); m != "" {
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_min_risk", "min_risk must be a number")
			return
		}
		minRisk = v
	}

	users, err := s.store.TopUsersByRisk(r.Context(), limit, minRisk)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, users)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid user ID")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, "not_found", "User not found")
		return
	}

	respondJSON(w, http.StatusOK, user)
}

// uploadLogs accepts a CSV or JSON activity log, either as the raw request
// body or as a multipart "file" part.
func (s *Server) uploadLogs(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	defer r.Body.Close()

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_upload", "missing file part")
			return
		}
		defer file.Close()
		body = file
	}

	inserted, err := s.ingestor.Ingest(r.Context(), body)
	if err != nil {
		if errors.Is(err, ingest.ErrEmptyUpload) {
			respondError(w, http.StatusBadRequest, "empty_upload", "Upload contains no rows")
			return
		}
		respondError(w, http.StatusBadRequest, "ingest_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"events": inserted})
}

func (s *Server) riskReport(w http.ResponseWriter, r *http.Request) {
	data, err := s.reports.RiskReport(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="risk_report.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
