package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/flow"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/store"
)

// conversationView is the body of GET /conversations/{id}.
type conversationView struct {
	State      *models.ConversationState `json:"state"`
	Mode       models.Mode               `json:"mode"`
	Completion int                       `json:"completion_percentage"`
	Missing    []string                  `json:"missing_fields"`
}

// postMessageHandler handles POST /conversations/{id}/messages.
func (s *Server) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.postMessageHandler: failed to decode JSON", "conversationID", id, "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.postMessageHandler: validation failed", "conversationID", id, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.conv.Turn(r.Context(), id, req.Text)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrEmptyConversationID),
		errors.Is(err, models.ErrEmptyUtterance),
		errors.Is(err, models.ErrUtteranceTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrStateConflict):
		slog.Warn("Server.postMessageHandler: concurrent turn", "conversationID", id, "error", err)
		writeError(w, http.StatusConflict, "Conversation was updated by another request, please retry")
		return
	default:
		slog.Error("Server.postMessageHandler: turn failed", "conversationID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// getConversationHandler handles GET /conversations/{id}.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, result, err := s.conv.Snapshot(r.Context(), id)
	if err != nil {
		slog.Error("Server.getConversationHandler: snapshot failed", "conversationID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conversationView{
		State:      state,
		Mode:       result.Mode,
		Completion: result.Completion,
		Missing:    result.Missing,
	}))
}

// deleteConversationHandler handles DELETE /conversations/{id}.
func (s *Server) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.conv.Reset(r.Context(), id); err != nil {
		slog.Error("Server.deleteConversationHandler: reset failed", "conversationID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to reset conversation")
		return
	}
	slog.Info("Server.deleteConversationHandler: conversation reset", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", nil))
}

func (s *Server) listSubmissionsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	recs, err := s.opts.Submissions.GetSubmissions(id)
	if err != nil {
		slog.Error("Server.listSubmissionsHandler: lookup failed", "conversationID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load submissions")
		return
	}
	if recs == nil {
		recs = []models.SubmissionRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}

func (s *Server) fieldsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.reg.Fields()))
}

func (s *Server) teamsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.reg.Teams()))
}

// welcomeHandler returns the greeting hosts may show when a user joins.
func (s *Server) welcomeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"message": flow.WelcomeMessage}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"fields":    len(s.reg.Fields()),
		"teams":     len(s.reg.Teams()),
	})
}
