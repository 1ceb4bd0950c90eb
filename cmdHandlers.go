package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	engineiows "github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/gorilla/websocket"
	"github.com/mdobak/go-xerrors"
	"golang.org/x/sync/errgroup"

	"live-detect/config"
	"live-detect/features"
	"live-detect/metrics"
	"live-detect/models"
	"live-detect/pipeline"
	"live-detect/recordings"
	"live-detect/scoring"
	"live-detect/supervisor"
	"live-detect/utils"
	"live-detect/wav"
)

type apiError struct {
	Message string `json:"message"`
}

const (
	maxUploadBytes = 64 << 20
	wsWriteTimeout = 5 * time.Second
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

// allowMethods writes the CORS headers and answers preflight requests. It
// reports whether the handler should go on.
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Allow-Methods", strings.Join(append(methods, http.MethodOptions), ", "))

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// healthChecker is implemented by scorers backed by a remote service.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// app holds everything the HTTP, websocket and socket.io handlers share.
type app struct {
	supervisor *supervisor.Supervisor
	store      *recordings.Store
	analyzer   *pipeline.Analyzer
	scorer     scoring.Scorer
	metrics    *metrics.Metrics
	logger     *slog.Logger

	upgrader websocket.Upgrader
	// ffmpegCheck defaults to wav.CheckFFmpegAvailable.
	ffmpegCheck func() error
}

func newApp(sup *supervisor.Supervisor, store *recordings.Store, analyzer *pipeline.Analyzer, scorer scoring.Scorer, m *metrics.Metrics) *app {
	return &app{
		supervisor: sup,
		store:      store,
		analyzer:   analyzer,
		scorer:     scorer,
		metrics:    m,
		logger:     utils.GetLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ffmpegCheck: wav.CheckFFmpegAvailable,
	}
}

// routes registers every endpoint except socket.io, which serve mounts.
func (a *app) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/start", a.handleStart)
	mux.HandleFunc("/api/stop", a.handleStop)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/upload", a.handleUpload)
	mux.HandleFunc("/api/latest", a.handleLatest)
	mux.HandleFunc("/api/download/", a.handleDownload)
	mux.HandleFunc("/ws/predict", a.handlePredictSocket)
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	mux.Handle("/metrics", a.metrics.Handler())
}

func (a *app) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}

	var req models.StartRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid start request")
			return
		}
	}
	if req.DeviceID == "" {
		req.DeviceID = r.URL.Query().Get("deviceId")
	}

	sessionID, err := a.supervisor.Start(r.Context(), req.DeviceID)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "failed to start detection", slog.Any("error", xerrors.New(err)))
		if errors.Is(err, supervisor.ErrDisplacementTimeout) {
			writeJSONError(w, http.StatusConflict, "previous session did not stop")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to start detection")
		return
	}
	writeJSON(w, http.StatusOK, models.StartResponse{Status: "started", SessionID: sessionID})
}

func (a *app) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}

	if err := a.supervisor.Stop(r.Context()); err != nil {
		a.logger.ErrorContext(r.Context(), "failed to stop detection", slog.Any("error", xerrors.New(err)))
		writeJSONError(w, http.StatusInternalServerError, "failed to stop detection")
		return
	}
	writeJSON(w, http.StatusOK, models.StopResponse{Status: "stopped"})
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	st := a.supervisor.Status()
	writeJSON(w, http.StatusOK, models.StatusResponse{
		IsRecording: st.Alive,
		State:       st.State.String(),
		SessionID:   st.SessionID,
		DeviceID:    st.DeviceID,
	})
}

func (a *app) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.logger.ErrorContext(ctx, "failed to parse multipart form", slog.Any("error", err))
		writeJSONError(w, http.StatusBadRequest, "invalid upload payload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "no audio file provided")
		return
	}
	defer file.Close()

	analysis, err := a.analyzer.AnalyzeUpload(ctx, file, header.Filename)
	if err != nil {
		a.uploadFailed(ctx, err)
		status, message := uploadError(err)
		writeJSONError(w, status, message)
		return
	}
	a.metrics.UploadScored()
	writeJSON(w, http.StatusOK, uploadResponse(analysis))
}

func (a *app) uploadFailed(ctx context.Context, err error) {
	a.metrics.UploadRejected()
	a.logger.ErrorContext(ctx, "upload rejected", slog.Any("error", xerrors.New(err)))
}

func uploadResponse(analysis pipeline.Analysis) models.UploadResponse {
	return models.UploadResponse{
		Filename: analysis.Filename,
		Score:    analysis.Score,
		Label:    string(analysis.Label),
	}
}

// uploadError maps an analysis failure to a status and a client message.
func uploadError(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrDecode):
		return http.StatusUnprocessableEntity, "unable to decode audio"
	case errors.Is(err, features.ErrNoFeature):
		return http.StatusUnprocessableEntity, "audio is silent or too short"
	default:
		return http.StatusInternalServerError, "internal error while scoring upload"
	}
}

func (a *app) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	kindParam := r.URL.Query().Get("kind")
	if kindParam == "" {
		kindParam = string(recordings.KindRealtime)
	}
	kind, err := recordings.ParseKind(kindParam)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "kind must be realtime or upload")
		return
	}

	name, err := a.store.Latest(kind)
	if errors.Is(err, recordings.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "no recording available")
		return
	}
	if err != nil {
		a.logger.ErrorContext(r.Context(), "failed to read latest pointer", slog.Any("error", xerrors.New(err)))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, models.LatestResponse{Kind: string(kind), Filename: name})
}

// handleDownload serves a stored recording. Files are retained after
// download.
func (a *app) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/download/")
	f, info, err := a.store.Open(name)
	switch {
	case errors.Is(err, recordings.ErrInvalidName):
		writeJSONError(w, http.StatusBadRequest, "invalid filename")
		return
	case errors.Is(err, recordings.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "file not found")
		return
	case err != nil:
		a.logger.ErrorContext(r.Context(), "failed to open recording", slog.Any("error", xerrors.New(err)))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Name()+`"`)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// handlePredictSocket streams detection results over a plain websocket. The
// connection owns a session: opening it starts a worker, closing it stops
// that worker.
func (a *app) handlePredictSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(entry []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, entry); err != nil {
			return err
		}
		a.metrics.ResultRelayed("websocket")
		return nil
	}

	deviceID := r.URL.Query().Get("deviceId")
	if err := a.supervisor.Stream(ctx, deviceID, send); err != nil {
		a.logger.Error("detection stream failed", slog.Any("error", xerrors.New(err)))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "detection unavailable"),
			time.Now().Add(time.Second))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.ffmpegCheck(); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "ffmpeg not available")
		return
	}
	if hc, ok := a.scorer.(healthChecker); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := hc.HealthCheck(ctx); err != nil {
			a.logger.Warn("scorer not ready", slog.Any("error", err))
			writeJSONError(w, http.StatusServiceUnavailable, "scorer not reachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func newHTTPServer(serveHTTPS bool, port string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if serveHTTPS {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv
}

func serve(protocol, port string) error {
	protocol = strings.ToLower(protocol)
	logger := utils.GetLogger()

	if err := wav.CheckFFmpegAvailable(); err != nil {
		log.Printf("WARNING: %v\n", err)
		log.Println("The server will start but capture, transcoding and uploads will fail until FFmpeg is installed.")
	} else {
		log.Println("FFmpeg is available")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	m := metrics.New()

	store, err := recordings.NewStore(cfg.RecordingsDir)
	if err != nil {
		return err
	}
	extractor, err := newExtractor(cfg)
	if err != nil {
		return err
	}
	scorer, err := newScorer(cfg)
	if err != nil {
		return err
	}
	analyzer := pipeline.NewAnalyzer(store, extractor, scorer, cfg.Profile.SampleRate, cfg.Profile.Threshold)

	launcher, err := supervisor.NewProcessLauncher(cfg.ResultBuffer)
	if err != nil {
		return err
	}
	sup := supervisor.New(launcher, supervisor.Options{
		ControlDir:     cfg.ControlDir,
		StopTimeout:    cfg.StopTimeout,
		KillTimeout:    cfg.KillTimeout,
		RelayInterval:  cfg.RelayInterval,
		RecoverTimeout: cfg.RecoverTimeout,
		Metrics:        m,
		Recover: func(ctx context.Context, sessionID string) (string, error) {
			return recordings.Recover(ctx, store, recordings.FFmpegTranscoder{}, sessionID, cfg.Profile.SampleRate)
		},
	})

	a := newApp(sup, store, analyzer, scorer, m)

	var allowOriginFunc = func(r *http.Request) bool {
		return true
	}
	socketServer := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&engineiows.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})
	registerSocketHandlers(socketServer, newSocketController(a))

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", socketServer)
	a.routes(mux)
	mux.Handle("/", http.FileServer(http.Dir("static")))

	serveHTTPS := protocol == "https"
	srv := newHTTPServer(serveHTTPS, port, mux)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := socketServer.Serve(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("socketio: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		var err error
		if serveHTTPS {
			if cfg.CertFile == "" || cfg.CertKey == "" {
				return errors.New("https requires CERT_FILE and CERT_KEY")
			}
			log.Printf("Starting HTTPS server on %s\n", srv.Addr)
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.CertKey)
		} else {
			log.Printf("Starting HTTP server on port %v", port)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+cfg.KillTimeout+5*time.Second)
		defer cancel()
		if err := sup.Stop(shutdownCtx); err != nil {
			logger.Error("stopping active session", slog.Any("error", xerrors.New(err)))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", slog.Any("error", err))
		}
		return socketServer.Close()
	})

	return g.Wait()
}
