package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Novo967/Tripping-app-sub001/internal/core"
	"github.com/Novo967/Tripping-app-sub001/internal/dispatch"
	"github.com/Novo967/Tripping-app-sub001/internal/logging"
	"github.com/Novo967/Tripping-app-sub001/internal/report"
)

const maxBody = 1 << 20

type Dispatcher interface {
	Dispatch(ctx context.Context, t core.Trigger) (dispatch.Outcome, error)
	NotifyImageLike(ctx context.Context, imageID string, before, after *dispatch.ImageLike) (dispatch.Outcome, error)
	NotifyEventRequestCreated(ctx context.Context, requestID string, req *dispatch.EventRequest) (dispatch.Outcome, error)
	NotifyEventRequestUpdated(ctx context.Context, requestID string, before, after *dispatch.EventRequest) (dispatch.Outcome, error)
}

type Reporter interface {
	Report(ctx context.Context, reporterUID string, r report.Report) error
}

// Messages is the client write into the chat-message outbox.
type Messages interface {
	InsertChatMessage(ctx context.Context, chatType, chatID string, m core.ChatMessage) (string, error)
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Dispatcher Dispatcher
	Reporter   Reporter
	Messages   Messages
	DB         Pinger
	Log        zerolog.Logger
}

func NewServer(d Dispatcher, rep Reporter, msgs Messages, db Pinger) *Server {
	return &Server{Dispatcher: d, Reporter: rep, Messages: msgs, DB: db, Log: *logging.Get()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/triggers/{chatType}/{chatId}/messages/{messageId}", s.messageCreated)
		r.Post("/triggers/image-likes/{imageId}", s.imageLikeUpdated)
		r.Post("/triggers/event-requests/{requestId}", s.eventRequestCreated)
		r.Put("/triggers/event-requests/{requestId}", s.eventRequestUpdated)
		r.Post("/chats/{chatType}/{chatId}/messages", s.postMessage)
		r.Post("/reports", s.postReport)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// readPayload returns nil for an empty body, null or {}.
func readPayload(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, err
	}
	if len(probe) == 0 {
		return nil, nil
	}
	return b, nil
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, out dispatch.Outcome, err error) {
	if err != nil {
		s.Log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("trigger failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "dispatch_failed", "invocation_id": out.InvocationID})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) messageCreated(w http.ResponseWriter, r *http.Request) {
	raw, err := readPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	var msg *core.ChatMessage
	if raw != nil {
		msg = new(core.ChatMessage)
		if err := json.Unmarshal(raw, msg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
	}
	t := core.NewTrigger(chi.URLParam(r, "chatType"), chi.URLParam(r, "chatId"), chi.URLParam(r, "messageId"), msg)
	out, err := s.Dispatcher.Dispatch(r.Context(), t)
	s.writeOutcome(w, r, out, err)
}

type imageLikeChange struct {
	Before *dispatch.ImageLike `json:"before"`
	After  *dispatch.ImageLike `json:"after"`
}

func (s *Server) imageLikeUpdated(w http.ResponseWriter, r *http.Request) {
	var in imageLikeChange
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	out, err := s.Dispatcher.NotifyImageLike(r.Context(), chi.URLParam(r, "imageId"), in.Before, in.After)
	s.writeOutcome(w, r, out, err)
}

func (s *Server) eventRequestCreated(w http.ResponseWriter, r *http.Request) {
	raw, err := readPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	var req *dispatch.EventRequest
	if raw != nil {
		req = new(dispatch.EventRequest)
		if err := json.Unmarshal(raw, req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
	}
	out, err := s.Dispatcher.NotifyEventRequestCreated(r.Context(), chi.URLParam(r, "requestId"), req)
	s.writeOutcome(w, r, out, err)
}

type eventRequestChange struct {
	Before *dispatch.EventRequest `json:"before"`
	After  *dispatch.EventRequest `json:"after"`
}

func (s *Server) eventRequestUpdated(w http.ResponseWriter, r *http.Request) {
	var in eventRequestChange
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	out, err := s.Dispatcher.NotifyEventRequestUpdated(r.Context(), chi.URLParam(r, "requestId"), in.Before, in.After)
	s.writeOutcome(w, r, out, err)
}

// postMessage stores a chat message; the worker picks it up for dispatch.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	chatType := chi.URLParam(r, "chatType")
	if core.ParseKind(chatType) == core.KindUnknown {
		writeError(w, http.StatusBadRequest, "unknown_chat_type")
		return
	}
	var in core.ChatMessage
	if err := decode(r, &in); err != nil || in.FromUID == "" || in.Body == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	id, err := s.Messages.InsertChatMessage(r.Context(), chatType, chi.URLParam(r, "chatId"), in)
	if err != nil {
		s.Log.Error().Err(err).Msg("insert chat message")
		writeError(w, http.StatusInternalServerError, "store_failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) postReport(w http.ResponseWriter, r *http.Request) {
	var in report.Report
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	err := s.Reporter.Report(r.Context(), r.Header.Get("X-User-ID"), in)
	switch {
	case errors.Is(err, report.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, report.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument")
	case errors.Is(err, report.ErrMailNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "mail_not_configured")
	case err != nil:
		s.Log.Error().Err(err).Msg("report")
		writeError(w, http.StatusInternalServerError, "internal")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
}
