package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"petechoes/internal/app"
	"petechoes/internal/ratelimit"
	"petechoes/internal/util"
	"petechoes/pkg/domain"
)

const serviceVersion = "2.0.0"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	MaxUploadBytes int64
	UploadLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the HTTP endpoints of the backend.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
	uploadLimiter  *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		uploadLimiter:  cfg.UploadLimiter,
		trustedProxies: cfg.TrustedProxies,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/upload", s.handleUpload)
	s.mux.HandleFunc("/upload-memory-photo", s.handleUploadMemoryPhoto)
	s.mux.HandleFunc("/upload-studio-background", s.handleUploadStudioBackground)
	s.mux.HandleFunc("/studio-background", s.handleStudioBackground)
	s.mux.HandleFunc("/status/", s.handleStatus)
	s.mux.HandleFunc("/image/", s.handleImage)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		notFound(w, r, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "Petechoes Backend",
		"status":  "running",
		"version": serviceVersion,
		"endpoints": []string{
			"/health",
			"/upload",
			"/upload-memory-photo",
			"/upload-studio-background",
			"/studio-background",
			"/status/{id}",
			"/image/{id}",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": serviceVersion,
	})
}

type uploadResponse struct {
	Success bool   `json:"success"`
	ImageID int64  `json:"image_id"`
	Message string `json:"message"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.handleUploadWith(w, r, func(data []byte) (int64, error) {
		return s.app.UploadImage(r.Context(), data)
	}, "image uploaded, generation started")
}

func (s *Server) handleUploadMemoryPhoto(w http.ResponseWriter, r *http.Request) {
	s.handleUploadWith(w, r, func(data []byte) (int64, error) {
		photoIndex, _ := strconv.Atoi(r.FormValue("photo_index"))
		return s.app.UploadMemoryPhoto(r.Context(), data, photoIndex)
	}, "memory photo uploaded, stylization started")
}

// handleUploadWith implements the shared upload flow: validate the
// multipart file, persist, spawn generation, answer immediately. All
// downstream failure is visible only through the status endpoint.
func (s *Server) handleUploadWith(w http.ResponseWriter, r *http.Request, create func([]byte) (int64, error), message string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowUpload(r) {
		writeError(w, r, http.StatusTooManyRequests, "too many uploads")
		return
	}
	data, ok := s.readImageFile(w, r)
	if !ok {
		return
	}
	id, err := create(data)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to save image")
		return
	}
	util.LoggerFromContext(r.Context()).Info("image upload accepted", "image_id", id, "bytes", len(data))
	writeJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		ImageID: id,
		Message: message,
	})
}

func (s *Server) handleUploadStudioBackground(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowUpload(r) {
		writeError(w, r, http.StatusTooManyRequests, "too many uploads")
		return
	}
	data, ok := s.readImageFile(w, r)
	if !ok {
		return
	}
	if err := s.app.ReplaceStudioBackground(data); err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to save studio background")
		return
	}
	util.LoggerFromContext(r.Context()).Info("studio background replaced", "bytes", len(data))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "studio background updated",
	})
}

func (s *Server) handleStudioBackground(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	data, ok, err := s.app.StudioBackground()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, r, "studio background not found")
		return
	}
	writeImage(w, data)
}

type statusResponse struct {
	Status            domain.ImageStatus `json:"status"`
	HasGeneratedImage bool               `json:"has_generated_image"`
	GeneratedImageURL string             `json:"generated_image_url,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	id, ok := pathID(r.URL.Path, "/status/")
	if !ok {
		notFound(w, r, "image not found")
		return
	}
	info, found, err := s.app.Status(id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		notFound(w, r, "image not found")
		return
	}
	resp := statusResponse{
		Status:            info.Status,
		HasGeneratedImage: info.HasGeneratedImage,
	}
	if info.Status == domain.StatusCompleted && info.HasGeneratedImage {
		resp.GeneratedImageURL = s.app.GeneratedImageURL(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	id, ok := pathID(r.URL.Path, "/image/")
	if !ok {
		notFound(w, r, "image not found")
		return
	}
	kind := domain.KindGenerated
	if r.URL.Query().Get("type") == string(domain.KindOriginal) {
		kind = domain.KindOriginal
	}
	data, found, err := s.app.Image(id, kind)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		notFound(w, r, "image not found")
		return
	}
	writeImage(w, data)
}

// readImageFile validates and reads the multipart "image" field. On
// failure it has already written the 400 response.
func (s *Server) readImageFile(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid form data")
		return nil, false
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "image file is required (field: image)")
		return nil, false
	}
	defer file.Close()
	if strings.TrimSpace(header.Filename) == "" {
		writeError(w, r, http.StatusBadRequest, "no file selected")
		return nil, false
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read uploaded file")
		return nil, false
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusBadRequest, "empty image file")
		return nil, false
	}
	return data, true
}

func (s *Server) allowUpload(r *http.Request) bool {
	if s.uploadLimiter == nil {
		return true
	}
	return s.uploadLimiter.Allow(util.ClientIP(r, s.trustedProxies))
}

func pathID(path, prefix string) (int64, bool) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeImage(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusNotFound, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: util.RequestIDFromRequest(r),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case strings.Contains(message, "image file is required"), message == "no file selected", message == "empty image file":
		return "IMAGE_FILE_REQUIRED"
	case message == "invalid form data":
		return "IMAGE_INVALID_UPLOAD_FORM"
	case message == "image not found":
		return "IMAGE_NOT_FOUND"
	case message == "studio background not found":
		return "STUDIO_BACKGROUND_NOT_FOUND"
	case message == "too many uploads":
		return "IMAGE_RATE_LIMITED"
	case message == "failed to save image", message == "failed to save studio background":
		return "IMAGE_STORE_UNAVAILABLE"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "IMAGE_INVALID_REQUEST"
	case http.StatusNotFound:
		return "IMAGE_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "IMAGE_RATE_LIMITED"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
