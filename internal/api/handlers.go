package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parlorhq/parlor/internal/assistant"
	"github.com/parlorhq/parlor/internal/session"
)

type sessionResponse struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistant_id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Visibility  string    `json:"visibility"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:          s.ID.String(),
		AssistantID: s.AssistantID.String(),
		OwnerID:     s.OwnerID,
		Title:       s.Title,
		Visibility:  s.Visibility,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

type messageResponse struct {
	ID             string            `json:"id"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	Metadata       *session.Metadata `json:"metadata,omitempty"`
	Status         string            `json:"status"`
	SequenceNumber int               `json:"sequence_number"`
	CreatedAt      time.Time         `json:"created_at"`
}

type assistantResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	SystemPrompt string  `json:"system_prompt"`
	Provider     string  `json:"provider"`
	ModelName    string  `json:"model_name"`
	Temperature  float32 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

func toAssistantResponse(a *assistant.Assistant) assistantResponse {
	return assistantResponse{
		ID:           a.ID.String(),
		Name:         a.Name,
		SystemPrompt: a.SystemPrompt,
		Provider:     a.Provider,
		ModelName:    a.ModelName,
		Temperature:  a.Temperature,
		MaxTokens:    a.MaxTokens,
	}
}

// pathID parses the {id} path segment.
func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}

// loadSession resolves the session and checks the caller may read it: the
// owner always, everyone else only when shared. Writes a response on failure.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, string, bool) {
	userID, _ := UserID(r.Context())

	id, ok := pathID(r)
	if !ok {
		respondError(w, s.logger, http.StatusBadRequest, "invalid session id")
		return nil, "", false
	}

	sess, err := s.cfg.Sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, s.logger, http.StatusNotFound, "session not found")
		return nil, "", false
	}
	if err != nil {
		s.logger.Error("loading session", "session_id", id, "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return nil, "", false
	}

	if sess.OwnerID != userID && sess.Visibility != session.VisibilityShared {
		respondError(w, s.logger, http.StatusForbidden, "forbidden")
		return nil, "", false
	}
	return sess, userID, true
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req struct {
		AssistantID string `json:"assistant_id"`
		Title       string `json:"title"`
		Visibility  string `json:"visibility"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	assistantID, err := uuid.Parse(req.AssistantID)
	if err != nil {
		respondError(w, s.logger, http.StatusBadRequest, "invalid assistant_id")
		return
	}
	if _, err := s.cfg.Assistants.Get(r.Context(), assistantID); err != nil {
		if errors.Is(err, assistant.ErrNotFound) {
			respondError(w, s.logger, http.StatusBadRequest, "unknown assistant")
			return
		}
		s.logger.Error("loading assistant", "assistant_id", assistantID, "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}
	if len([]rune(req.Title)) > session.TitleMaxLength {
		respondError(w, s.logger, http.StatusBadRequest, "title too long")
		return
	}
	if req.Visibility != "" && req.Visibility != session.VisibilityPrivate && req.Visibility != session.VisibilityShared {
		respondError(w, s.logger, http.StatusBadRequest, "visibility must be private or shared")
		return
	}

	sess, err := s.cfg.Sessions.Create(r.Context(), assistantID, userID, req.Title, req.Visibility)
	if err != nil {
		s.logger.Error("creating session", "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, s.logger, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	sessions, err := s.cfg.Sessions.List(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("listing sessions", "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]sessionResponse, len(sessions))
	for i := range sessions {
		out[i] = toSessionResponse(&sessions[i])
	}
	respondJSON(w, s.logger, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, s.logger, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	sess, userID, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if sess.OwnerID != userID {
		respondError(w, s.logger, http.StatusForbidden, "only the owner may modify a session")
		return
	}

	var req struct {
		Title      *string `json:"title"`
		Visibility *string `json:"visibility"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Title != nil {
		if len([]rune(*req.Title)) > session.TitleMaxLength {
			respondError(w, s.logger, http.StatusBadRequest, "title too long")
			return
		}
		if err := s.cfg.Sessions.Rename(r.Context(), sess.ID, *req.Title); err != nil {
			s.logger.Error("renaming session", "session_id", sess.ID, "error", err)
			respondError(w, s.logger, http.StatusInternalServerError, "internal error")
			return
		}
	}
	if req.Visibility != nil {
		if *req.Visibility != session.VisibilityPrivate && *req.Visibility != session.VisibilityShared {
			respondError(w, s.logger, http.StatusBadRequest, "visibility must be private or shared")
			return
		}
		if err := s.cfg.Sessions.SetVisibility(r.Context(), sess.ID, *req.Visibility); err != nil {
			s.logger.Error("setting visibility", "session_id", sess.ID, "error", err)
			respondError(w, s.logger, http.StatusInternalServerError, "internal error")
			return
		}
	}

	updated, err := s.cfg.Sessions.Get(r.Context(), sess.ID)
	if err != nil {
		s.logger.Error("reloading session", "session_id", sess.ID, "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, s.logger, http.StatusOK, toSessionResponse(updated))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, userID, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if sess.OwnerID != userID {
		respondError(w, s.logger, http.StatusForbidden, "only the owner may delete a session")
		return
	}

	if err := s.cfg.Sessions.Delete(r.Context(), sess.ID); err != nil {
		s.logger.Error("deleting session", "session_id", sess.ID, "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, s.logger, http.StatusNoContent, nil)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	messages, err := s.cfg.Sessions.History(r.Context(), sess.ID, limit)
	if err != nil {
		s.logger.Error("loading history", "session_id", sess.ID, "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]messageResponse, len(messages))
	for i, m := range messages {
		out[i] = messageResponse{
			ID:             m.ID.String(),
			Role:           m.Role,
			Content:        m.Content,
			Status:         m.Status,
			SequenceNumber: m.SequenceNumber,
			CreatedAt:      m.CreatedAt,
		}
		if m.Role == session.RoleAssistant {
			meta := m.Metadata
			out[i].Metadata = &meta
		}
	}
	respondJSON(w, s.logger, http.StatusOK, out)
}

func (s *Server) createAssistant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string  `json:"name"`
		SystemPrompt     string  `json:"system_prompt"`
		Provider         string  `json:"provider"`
		ModelName        string  `json:"model_name"`
		Temperature      float32 `json:"temperature"`
		MaxTokens        int     `json:"max_tokens"`
		PresencePenalty  float32 `json:"presence_penalty"`
		FrequencyPenalty float32 `json:"frequency_penalty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.ModelName == "" {
		respondError(w, s.logger, http.StatusBadRequest, "name and model_name are required")
		return
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		respondError(w, s.logger, http.StatusBadRequest, "temperature must be between 0 and 2")
		return
	}

	a, err := s.cfg.Assistants.Create(r.Context(), &assistant.Assistant{
		Name:             req.Name,
		SystemPrompt:     req.SystemPrompt,
		Provider:         req.Provider,
		ModelName:        req.ModelName,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
	})
	if err != nil {
		s.logger.Error("creating assistant", "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, s.logger, http.StatusCreated, toAssistantResponse(a))
}

func (s *Server) listAssistants(w http.ResponseWriter, r *http.Request) {
	assistants, err := s.cfg.Assistants.List(r.Context())
	if err != nil {
		s.logger.Error("listing assistants", "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]assistantResponse, len(assistants))
	for i := range assistants {
		out[i] = toAssistantResponse(&assistants[i])
	}
	respondJSON(w, s.logger, http.StatusOK, out)
}

func (s *Server) addDocument(w http.ResponseWriter, r *http.Request) {
	assistantID, ok := pathID(r)
	if !ok {
		respondError(w, s.logger, http.StatusBadRequest, "invalid assistant id")
		return
	}
	if _, err := s.cfg.Assistants.Get(r.Context(), assistantID); err != nil {
		if errors.Is(err, assistant.ErrNotFound) {
			respondError(w, s.logger, http.StatusNotFound, "assistant not found")
			return
		}
		s.logger.Error("loading assistant", "assistant_id", assistantID, "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}

	var req struct {
		Source  string `json:"source"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, s.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		respondError(w, s.logger, http.StatusBadRequest, "content is required")
		return
	}

	id, err := s.cfg.Documents.Add(r.Context(), assistantID, req.Source, req.Content)
	if err != nil {
		s.logger.Error("adding document", "assistant_id", assistantID, "error", err)
		respondError(w, s.logger, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, s.logger, http.StatusCreated, map[string]string{"id": id.String()})
}
