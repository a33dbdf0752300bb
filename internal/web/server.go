package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"media-compressor-go/internal/compressor"
	"media-compressor-go/internal/config"
	"media-compressor-go/internal/logger"
	"media-compressor-go/internal/metrics"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes the compressor over HTTP and streams progress to
// WebSocket clients.
type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	compressor *compressor.DefaultCompressor
	store      *storage.Store
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*wsClient]bool
	wsMutex    sync.Mutex

	activeRequests atomic.Int64
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

type PruneRequest struct {
	CurrentMediaIDs []string `json:"current_media_ids"`
}

type PruneResponse struct {
	Removed int      `json:"removed"`
	IDs     []string `json:"ids"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	// wsWriteWait bounds a single frame write to a client.
	wsWriteWait = 10 * time.Second
	// wsSendBuffer is how many messages may queue per client before new
	// ones are dropped.
	wsSendBuffer = 64
)

// wsClient is one WebSocket connection. Only its writer goroutine writes
// to conn; broadcasts queue on send.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer returns a Server. store may be nil, which disables the gallery
// routes.
func NewServer(cfg *config.Config, log *logrus.Logger, c *compressor.DefaultCompressor, store *storage.Store) *Server {
	s := &Server{
		cfg:        cfg,
		log:        log,
		compressor: c,
		store:      store,
		router:     mux.NewRouter(),
		wsClients:  make(map[*wsClient]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(metricsMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/cache", s.handleClearCache).Methods("DELETE")

	galleries := api.PathPrefix("/galleries/{galleryID}").Subrouter()
	galleries.HandleFunc("/uploads", s.handleCreateUpload).Methods("POST")
	galleries.HandleFunc("/uploads", s.handleListUploads).Methods("GET")
	galleries.HandleFunc("/uploads/{uploadID}", s.handleGetUpload).Methods("GET")
	galleries.HandleFunc("/uploads/{uploadID}/blob", s.handleGetUploadBlob).Methods("GET")
	galleries.HandleFunc("/prune", s.handlePrune).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 5 * time.Minute,
		// Video transcodes answer on the same request.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.wsMutex.Lock()
	for client := range s.wsClients {
		client.conn.Close()
		delete(s.wsClients, client)
		close(client.send)
	}
	s.wsMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Publish broadcasts a progress update to every WebSocket client.
func (s *Server) Publish(u progress.Update) {
	s.broadcastWSMessage("progress", u)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"active_requests": s.activeRequests.Load(),
		"video_enabled":   s.compressor.Engines() != nil,
		"engine_ready":    s.compressor.Engines() != nil && s.compressor.Engines().Ready(),
		"storage_enabled": s.store != nil,
	}
	s.wsMutex.Lock()
	data["websocket_clients"] = len(s.wsClients)
	s.wsMutex.Unlock()

	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	stats := s.compressor.Statistics()
	if stats == nil {
		s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: nil})
		return
	}

	data := map[string]interface{}{
		"summary":  stats.GetSummary(),
		"counters": stats.Snapshot(),
	}
	if cache := s.compressor.Cache(); cache != nil {
		data["cache"] = cache.Stats()
	}
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// handleClearCache drops every cached result.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	cache := s.compressor.Cache()
	if cache == nil {
		s.writeError(w, "Result cache is disabled", http.StatusNotFound)
		return
	}
	dropped := cache.Stats().Size
	cache.Clear()
	s.log.Infof("Result cache cleared, %d entries dropped", dropped)
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Dropped %d cached results", dropped),
	})
}

// handleCompress compresses one multipart upload and answers with the
// compressed bytes.
func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	res, _, err := s.compressUpload(w, r)
	if err != nil {
		s.writeCompressError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", res.MIMEType)
	h.Set("Content-Length", strconv.Itoa(len(res.Data)))
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Name))
	h.Set("X-Original-Size", strconv.FormatInt(res.OriginalSize, 10))
	h.Set("X-Compressed-Size", strconv.FormatInt(res.CompressedSize, 10))
	h.Set("X-Compression-Ratio", strconv.FormatFloat(res.CompressionRatio, 'f', 2, 64))
	h.Set("X-Attempts", strconv.Itoa(res.AttemptsUsed))
	h.Set("X-Passed-Through", strconv.FormatBool(res.PassedThrough))
	if res.Warning != "" {
		h.Set("X-Warning", res.Warning)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		s.log.WithError(err).Debug("Client went away while receiving result")
	}
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, "Storage is not configured", http.StatusServiceUnavailable)
		return
	}
	galleryID := mux.Vars(r)["galleryID"]

	res, form, err := s.compressUpload(w, r)
	if err != nil {
		s.writeCompressError(w, err)
		return
	}

	upload, err := s.store.Save(r.Context(), storage.SaveInput{
		GalleryID: galleryID,
		MediaID:   form.Value("media_id"),
		Story:     form.Bool("story"),
		Result:    res,
	})
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	s.broadcastWSMessage("upload_stored", upload)
	s.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Message: res.Warning,
		Data:    upload,
	})
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, "Storage is not configured", http.StatusServiceUnavailable)
		return
	}
	uploads, err := s.store.List(r.Context(), mux.Vars(r)["galleryID"])
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: uploads})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, "Storage is not configured", http.StatusServiceUnavailable)
		return
	}
	vars := mux.Vars(r)
	upload, err := s.store.Get(r.Context(), vars["galleryID"], vars["uploadID"])
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: upload})
}

func (s *Server) handleGetUploadBlob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, "Storage is not configured", http.StatusServiceUnavailable)
		return
	}
	vars := mux.Vars(r)
	upload, err := s.store.Get(r.Context(), vars["galleryID"], vars["uploadID"])
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	data, err := s.store.ReadBlob(upload)
	if err != nil {
		s.log.WithError(err).Errorf("Failed to read blob for upload %s", upload.ID)
		s.writeError(w, "Failed to read stored file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", upload.MIMEType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", upload.Name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, "Storage is not configured", http.StatusServiceUnavailable)
		return
	}

	var req PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	removed, err := s.store.PruneOrphans(r.Context(), mux.Vars(r)["galleryID"], req.CurrentMediaIDs)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	resp := PruneResponse{Removed: len(removed), IDs: make([]string, len(removed))}
	for i, u := range removed {
		resp.IDs[i] = u.ID
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: resp})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.wsMutex.Lock()
	s.wsClients[client] = true
	s.wsMutex.Unlock()
	metrics.WebSocketClients.Inc()

	s.log.Debug("WebSocket client connected")
	go s.writeWS(client)

	// Remove client on disconnect
	defer func() {
		s.removeWSClient(client)
		metrics.WebSocketClients.Dec()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// compressUpload reads the multipart request and runs the compressor with
// the request context, so a disconnecting client cancels the work.
func (s *Server) compressUpload(w http.ResponseWriter, r *http.Request) (*compressor.Result, formValues, error) {
	maxBytes := s.cfg.Server.MaxUploadSize * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, formValues{}, &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf("invalid multipart form: %v", err)}
	}
	form := formValues{r.MultipartForm}

	file, err := readFormFile(r.MultipartForm)
	if err != nil {
		return nil, form, err
	}
	opts, err := form.options()
	if err != nil {
		return nil, form, err
	}

	s.activeRequests.Add(1)
	defer s.activeRequests.Add(-1)

	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)
	logger.WithFields(s.log, logrus.Fields{
		"request_id": id,
		"file":       file.Name,
		"remote":     r.RemoteAddr,
	}).Debug("Compression request received")

	res, err := s.compressor.Compress(r.Context(), compressor.Request{
		ID:       id,
		File:     file,
		Options:  opts,
		Progress: progress.MultiSink{s, progress.LogSink{Logger: s.log}},
	})
	return res, form, err
}

func readFormFile(form *multipart.Form) (compressor.File, error) {
	headers := form.File["file"]
	if len(headers) == 0 {
		return compressor.File{}, &requestError{status: http.StatusBadRequest, msg: "file field is required"}
	}
	fh := headers[0]
	f, err := fh.Open()
	if err != nil {
		return compressor.File{}, &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf("open upload: %v", err)}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return compressor.File{}, &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf("read upload: %v", err)}
	}
	return compressor.File{
		Name: fh.Filename,
		Type: fh.Header.Get("Content-Type"),
		Data: data,
	}, nil
}

type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

// formValues reads optional overrides from a multipart form.
type formValues struct {
	form *multipart.Form
}

func (f formValues) Value(key string) string {
	if f.form == nil {
		return ""
	}
	if v := f.form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (f formValues) Bool(key string) bool {
	b, _ := strconv.ParseBool(f.Value(key))
	return b
}

func (f formValues) options() (compressor.Options, error) {
	var opts compressor.Options
	var err error

	parseInt := func(key string, dst *int) {
		if v := f.Value(key); v != "" && err == nil {
			var n int
			if n, err = strconv.Atoi(v); err != nil {
				err = &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf("%s must be an integer", key)}
				return
			}
			*dst = n
		}
	}

	parseInt("max_width", &opts.MaxWidth)
	parseInt("max_height", &opts.MaxHeight)
	parseInt("max_attempts", &opts.MaxAttempts)
	parseInt("max_bitrate_kbps", &opts.MaxBitrateKbps)

	var targetKB int
	parseInt("target_kb", &targetKB)
	opts.TargetSize = int64(targetKB) * 1024

	if v := f.Value("quality"); v != "" && err == nil {
		if opts.Quality, err = strconv.ParseFloat(v, 64); err != nil {
			err = &requestError{status: http.StatusBadRequest, msg: "quality must be a number"}
		}
	}
	if err != nil {
		return compressor.Options{}, err
	}

	opts.Format = f.Value("format")
	opts.Strategy = compressor.Strategy(f.Value("strategy"))
	opts.Story = f.Bool("story")
	return opts, nil
}

func (s *Server) writeCompressError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		s.writeError(w, reqErr.msg, reqErr.status)
		return
	}

	status := http.StatusInternalServerError
	kind := compressor.KindOf(err)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	case kind == compressor.KindInvalidInput:
		status = http.StatusBadRequest
	case kind == compressor.KindUnsupportedMediaType:
		status = http.StatusUnsupportedMediaType
	case kind == compressor.KindEncode:
		status = http.StatusUnprocessableEntity
	case kind == compressor.KindEngineUnavailable:
		status = http.StatusServiceUnavailable
	case kind == compressor.KindEngineExecution:
		status = http.StatusBadGateway
	case kind == compressor.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	resp := APIResponse{Success: false, Error: err.Error()}
	if kind != 0 {
		resp.Kind = kind.String()
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidGallery), errors.Is(err, storage.ErrEmptyCurrentSet):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.WithError(err).Error("Storage operation failed")
		s.writeError(w, "Storage operation failed", http.StatusInternalServerError)
	}
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for client := range s.wsClients {
		select {
		case client.send <- msgBytes:
		default:
			s.log.Warnf("WebSocket client too slow, dropping %s message", messageType)
		}
	}
}

// writeWS drains client.send until it is closed. A failed or timed out
// write closes the connection, which ends the read loop in handleWebSocket.
func (s *Server) writeWS(client *wsClient) {
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			client.conn.Close()
			return
		}
	}
}

func (s *Server) removeWSClient(client *wsClient) {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	if s.wsClients[client] {
		delete(s.wsClients, client)
		close(client.send)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Debug("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}
