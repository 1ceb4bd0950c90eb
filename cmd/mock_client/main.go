package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"live-detect/models"
)

func main() {
	server := flag.String("url", "http://localhost:5000", "Server base URL")
	device := flag.String("device", "", "Capture device for the live session")
	count := flag.Int("n", 0, "Stop after this many results (0 = until interrupted)")
	file := flag.String("file", "", "Upload this audio file for one-shot scoring instead of streaming")
	dir := flag.String("dir", "", "Upload every audio file in this directory")
	delay := flag.Duration("delay", 2*time.Second, "Delay between uploads when using -dir")
	flag.Parse()

	base, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("invalid -url: %v", err)
	}

	if *file != "" || *dir != "" {
		files, err := resolveFiles(*file, *dir)
		if err != nil {
			log.Fatalf("failed to resolve files: %v", err)
		}
		if len(files) == 0 {
			log.Fatalf("no audio files found (file=%s dir=%s)", *file, *dir)
		}
		endpoint := base.JoinPath("/api/upload").String()
		fmt.Printf("Uploading %d sample(s) to %s\n\n", len(files), endpoint)
		for idx, path := range files {
			if err := uploadSample(path, endpoint); err != nil {
				log.Printf("upload failed for %s: %v\n", path, err)
			}
			if idx < len(files)-1 && *delay > 0 {
				time.Sleep(*delay)
			}
		}
		return
	}

	if err := stream(base, *device, *count); err != nil {
		log.Fatal(err)
	}
}

// stream opens the live prediction websocket and prints every result. The
// server stops the session when the connection closes.
func stream(base *url.URL, device string, count int) error {
	wsURL := *base.JoinPath("/ws/predict")
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	if device != "" {
		q := wsURL.Query()
		q.Set("deviceId", device)
		wsURL.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}
	defer conn.Close()
	fmt.Printf("Streaming from %s (Ctrl-C to stop)\n\n", wsURL.String())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}()

	for received := 0; count == 0 || received < count; received++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var msg models.ResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("malformed result %q: %v", data, err)
			continue
		}
		score := "  n/a"
		if msg.Score != nil {
			score = fmt.Sprintf("%.3f", *msg.Score)
		}
		fmt.Printf("#%-5d %s  %s\n", msg.Sequence, score, msg.Label)
	}
	return nil
}

func resolveFiles(single, dir string) ([]string, error) {
	if single != "" {
		return []string{single}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".wav", ".mp3", ".ogg", ".flac", ".m4a":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}

func uploadSample(path, endpoint string) error {
	fmt.Printf("→ %s\n", filepath.Base(path))

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("build form: %w", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return fmt.Errorf("build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post upload: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result models.UploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("decode upload response: %w", err)
	}
	fmt.Printf("   score=%.3f label=%s stored=%s\n", result.Score, result.Label, result.Filename)
	return nil
}
