package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"

	socketio "github.com/googollee/go-socket.io"
	"github.com/mdobak/go-xerrors"

	"live-detect/models"
	"live-detect/wav"
)

var errBadRecording = errors.New("invalid recording payload")

// socketController serves socket.io clients. Each connection can run at
// most one detection stream, started with "startDetection" and ended by
// "stopDetection" or disconnect.
type socketController struct {
	app *app

	mu      sync.Mutex
	streams map[string]*socketStream
}

type socketStream struct {
	cancel context.CancelFunc
}

func newSocketController(a *app) *socketController {
	return &socketController{app: a, streams: make(map[string]*socketStream)}
}

func (c *socketController) handleStartDetection(socket socketio.Conn, deviceID string) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &socketStream{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.streams[socket.ID()]; ok {
		prev.cancel()
	}
	c.streams[socket.ID()] = stream
	c.mu.Unlock()

	send := func(entry []byte) error {
		socket.Emit("prediction", json.RawMessage(entry))
		c.app.metrics.ResultRelayed("socketio")
		return nil
	}

	go func() {
		defer c.release(socket.ID(), stream)
		if err := c.app.supervisor.Stream(ctx, deviceID, send); err != nil {
			c.app.logger.Error("detection stream failed",
				slog.String("socketID", socket.ID()),
				slog.Any("error", xerrors.New(err)),
			)
			socket.Emit("detectionError", map[string]string{"message": "detection unavailable"})
			return
		}
		socket.Emit("detectionStopped")
	}()
}

// release forgets stream if it is still the connection's current one.
func (c *socketController) release(socketID string, stream *socketStream) {
	stream.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[socketID] == stream {
		delete(c.streams, socketID)
	}
}

func (c *socketController) handleStopDetection(socket socketio.Conn) {
	c.mu.Lock()
	stream, ok := c.streams[socket.ID()]
	delete(c.streams, socket.ID())
	c.mu.Unlock()
	if ok {
		stream.cancel()
	}
}

// handleNewRecording scores a recording pushed by the client. The audio is
// either a complete WAV file or raw little-endian PCM16 described by the
// payload's sampleRate and channels.
func (c *socketController) handleNewRecording(socket socketio.Conn, recordData string) {
	logger := c.app.logger
	ctx := context.Background()

	var recData models.RecordData
	if err := json.Unmarshal([]byte(recordData), &recData); err != nil {
		logger.ErrorContext(ctx, "failed to parse record payload", slog.Any("error", xerrors.New(err)))
		socket.Emit("analysisError", map[string]string{"message": "invalid audio payload"})
		return
	}

	logger.InfoContext(ctx, "received recording",
		slog.String("socketID", socket.ID()),
		slog.Int("sampleRate", recData.SampleRate),
		slog.Int("channels", recData.Channels),
		slog.Int("sampleSize", recData.SampleSize),
		slog.Float64("duration", recData.Duration),
		slog.String("filename", recData.Filename),
	)

	payload, err := recordingWAV(recData)
	if err != nil {
		c.app.uploadFailed(ctx, err)
		socket.Emit("analysisError", map[string]string{"message": err.Error()})
		return
	}
	if info, err := wav.ParseWav(payload); err == nil {
		logger.DebugContext(ctx, "decoded recording", slog.Float64("seconds", info.Duration()))
	}

	analysis, err := c.app.analyzer.AnalyzeUpload(ctx, bytes.NewReader(payload), "recording.wav")
	if err != nil {
		c.app.uploadFailed(ctx, err)
		_, message := uploadError(err)
		socket.Emit("analysisError", map[string]string{"message": message})
		return
	}
	c.app.metrics.UploadScored()
	socket.Emit("analysisResult", uploadResponse(analysis))
}

// recordingWAV returns the recording as WAV bytes.
func recordingWAV(rec models.RecordData) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(rec.Audio)
	if err != nil {
		return nil, fmt.Errorf("%w: audio is not base64", errBadRecording)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no audio data received", errBadRecording)
	}
	if bytes.HasPrefix(data, []byte("RIFF")) {
		return data, nil
	}

	if rec.SampleRate <= 0 || rec.Channels <= 0 {
		return nil, fmt.Errorf("%w: sampleRate and channels are required for raw audio", errBadRecording)
	}
	if rec.SampleSize != 0 && rec.SampleSize != 16 {
		return nil, fmt.Errorf("%w: unsupported sample size %d", errBadRecording, rec.SampleSize)
	}
	var buf bytes.Buffer
	if err := wav.WriteWav(&buf, data, rec.SampleRate, rec.Channels); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func registerSocketHandlers(server *socketio.Server, c *socketController) {
	server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		log.Printf("CONNECTED: %s, remote addr: %s\n", socket.ID(), socket.RemoteAddr())
		st := c.app.supervisor.Status()
		socket.Emit("status", map[string]interface{}{"is_recording": st.Alive, "state": st.State.String()})
		return nil
	})

	// The capture device comes from the connection URL (?deviceId=...).
	server.OnEvent("/", "startDetection", func(socket socketio.Conn) {
		connURL := socket.URL()
		c.handleStartDetection(socket, connURL.Query().Get("deviceId"))
	})

	server.OnEvent("/", "stopDetection", func(socket socketio.Conn) {
		c.handleStopDetection(socket)
	})

	server.OnEvent("/", "newRecording", func(socket socketio.Conn, msg string) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("panic in handleNewRecording for socket %s: %v\n", socket.ID(), r)
					socket.Emit("analysisError", map[string]string{"message": "internal server error during processing"})
				}
			}()
			c.handleNewRecording(socket, msg)
		}()
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		log.Println("meet error:", e)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("Socket disconnected - ID: %s, Reason: %s\n", s.ID(), reason)
		c.handleStopDetection(s)
	})
}
