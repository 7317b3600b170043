package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lexmarket/internal/scheduler"
)

// Reminder scheduling is best-effort by contract: the engine swallows
// missing-field and store errors, so these endpoints acknowledge the
// request rather than report scheduling outcome.

type emailReminderRequest struct {
	TaskID           string         `json:"task_id"`
	TemplateName     string         `json:"template_name"`
	RecipientAddress string         `json:"recipient_address"`
	Subject          string         `json:"subject"`
	Variables        map[string]any `json:"variables"`
	FireAt           time.Time      `json:"fire_at"`
}

func (r emailReminderRequest) job() scheduler.EmailJob {
	return scheduler.EmailJob{
		TaskID:           r.TaskID,
		TemplateName:     r.TemplateName,
		RecipientAddress: r.RecipientAddress,
		Subject:          r.Subject,
		Variables:        r.Variables,
		FireAt:           r.FireAt,
	}
}

type webPushReminderRequest struct {
	TaskID      string    `json:"task_id"`
	RecipientID string    `json:"recipient_id"`
	Content     string    `json:"content"`
	FireAt      time.Time `json:"fire_at"`
}

func (r webPushReminderRequest) job() scheduler.WebPushJob {
	return scheduler.WebPushJob{
		TaskID:      r.TaskID,
		RecipientID: r.RecipientID,
		Content:     r.Content,
		FireAt:      r.FireAt,
	}
}

func (s *Server) handleScheduleEmail(w http.ResponseWriter, r *http.Request) {
	var req emailReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.engine.ScheduleEmail(r.Context(), req.job())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpdateEmail(w http.ResponseWriter, r *http.Request) {
	var req emailReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.engine.UpdateEmail(r.Context(), req.job())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	s.engine.DeleteEmail(r.Context(), r.URL.Query().Get("task_id"), r.URL.Query().Get("recipient"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEmailExists(w http.ResponseWriter, r *http.Request) {
	exists, err := s.engine.EmailExists(r.Context(), r.URL.Query().Get("task_id"), r.URL.Query().Get("recipient"))
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (s *Server) handleScheduleWebPush(w http.ResponseWriter, r *http.Request) {
	var req webPushReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.engine.ScheduleWebPush(r.Context(), req.job())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpdateWebPush(w http.ResponseWriter, r *http.Request) {
	var req webPushReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.engine.UpdateWebPush(r.Context(), req.job())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteWebPush(w http.ResponseWriter, r *http.Request) {
	s.engine.DeleteWebPush(r.Context(), r.URL.Query().Get("task_id"), r.URL.Query().Get("recipient"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebPushExists(w http.ResponseWriter, r *http.Request) {
	exists, err := s.engine.WebPushExists(r.Context(), r.URL.Query().Get("task_id"), r.URL.Query().Get("recipient"))
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (s *Server) handleDeleteTaskJobs(w http.ResponseWriter, r *http.Request) {
	s.engine.DeleteAllForTask(r.Context(), chi.URLParam(r, "taskID"))
	w.WriteHeader(http.StatusNoContent)
}
