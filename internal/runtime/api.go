package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-digest/internal/capability"
	"github.com/loqalabs/loqa-digest/internal/chat"
	"github.com/loqalabs/loqa-digest/internal/digest"
	"github.com/loqalabs/loqa-digest/internal/protocol"
	"github.com/loqalabs/loqa-digest/internal/summary"
	"github.com/loqalabs/loqa-digest/internal/tts"
)

const maxBodyBytes = 1 << 20

type historyReader interface {
	ListBatches(ctx context.Context, userID string, limit int) ([]summary.Batch, error)
}

type reloader interface {
	Reload() error
}

type nodeLister interface {
	Query(filter func(capability.NodeInfo) bool) []capability.NodeInfo
}

// api serves the digest HTTP surface.
type api struct {
	digest  *digest.Service
	source  chat.Source
	blobs   *tts.BlobStore
	history historyReader
	nodes   nodeLister
	logger  *slog.Logger
}

func newAPI(svc *digest.Service, source chat.Source, blobs *tts.BlobStore, history historyReader, logger *slog.Logger) *api {
	return &api{
		digest:  svc,
		source:  source,
		blobs:   blobs,
		history: history,
		logger:  logger.With(slog.String("component", "http-api")),
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/digest", a.handleStartDigest)
	mux.HandleFunc("GET /v1/digest", a.handleCurrentDigest)
	mux.HandleFunc("GET /v1/digest/history", a.handleHistory)
	mux.HandleFunc("GET /v1/channels", a.handleChannels)
	mux.HandleFunc("POST /v1/channels/{id}/messages", a.handleSendMessage)
	mux.HandleFunc("POST /v1/channels/reload", a.handleReload)
	mux.HandleFunc("GET /v1/voices", a.handleVoices)
	mux.HandleFunc("GET /v1/speech", a.handleSpeechState)
	mux.HandleFunc("POST /v1/speech", a.handleSpeak)
	mux.HandleFunc("POST /v1/speech/pause", a.handlePause)
	mux.HandleFunc("GET "+tts.AudioPathPrefix+"{id}", a.handleAudio)
	mux.HandleFunc("GET /v1/nodes", a.handleNodes)
}

func (a *api) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := []capability.NodeInfo{}
	if a.nodes != nil {
		var filter func(capability.NodeInfo) bool
		if name := r.URL.Query().Get("capability"); name != "" {
			filter = capability.WithCapability(name)
		}
		if found := a.nodes.Query(filter); found != nil {
			nodes = found
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (a *api) handleStartDigest(w http.ResponseWriter, r *http.Request) {
	var req protocol.DigestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	batch, err := a.digest.Begin(r.Context(), req.UserID)
	switch {
	case errors.Is(err, digest.ErrUserRequired):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		a.logger.Warn("digest request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err)
	case batch.ID == "":
		writeJSON(w, http.StatusOK, batch)
	default:
		writeJSON(w, http.StatusAccepted, batch)
	}
}

func (a *api) handleCurrentDigest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.digest.Current())
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, digest.ErrUserRequired)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	batches, err := a.history.ListBatches(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if batches == nil {
		batches = []summary.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

type channelView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Unread        int       `json:"unread"`
	LastMessageAt time.Time `json:"last_message_at"`
}

func (a *api) handleChannels(w http.ResponseWriter, r *http.Request) {
	q := chat.Query{UserID: r.URL.Query().Get("user_id"), Sort: chat.Sort(r.URL.Query().Get("sort"))}
	if q.UserID == "" {
		writeError(w, http.StatusBadRequest, digest.ErrUserRequired)
		return
	}
	q.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	q.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	channels, err := a.source.QueryChannels(r.Context(), q)
	switch {
	case errors.Is(err, chat.ErrUnknownSort):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	views := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		unread, _ := chat.UnreadCount(ch, q.UserID)
		views = append(views, channelView{ID: ch.ID, Name: ch.DisplayName(), Unread: unread, LastMessageAt: ch.LastMessageAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": views})
}

func (a *api) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var msg chat.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	if msg.UserID == "" || msg.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id and text are required"))
		return
	}
	if err := a.source.SendMessage(r.Context(), r.PathValue("id"), msg); err != nil {
		if errors.Is(err, chat.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleReload(w http.ResponseWriter, _ *http.Request) {
	rl, ok := a.source.(reloader)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("chat source cannot reload"))
		return
	}
	if err := rl.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := a.digest.Voices(r.Context())
	resp := map[string]any{"voices": voices}
	if err != nil {
		if !errors.Is(err, tts.ErrVoiceCatalogUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleSpeechState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.digest.SpeechState())
}

func (a *api) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req protocol.SpeechRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.digest.Speak(r.Context(), req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.digest.SpeechState())
}

func (a *api) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := a.digest.Pause(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, a.digest.SpeechState())
}

func (a *api) handleAudio(w http.ResponseWriter, r *http.Request) {
	meta, data, err := a.blobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
