package models

// ResultMessage is the wire form of one detection result: one JSON object
// per send. Score is rounded to three decimals and is null when the chunk
// could not be classified.
type ResultMessage struct {
	Score    *float64 `json:"score"`
	Label    string   `json:"label"`
	Sequence int      `json:"sequence"`
}

// RecordData is a client-side recording pushed over socket.io for one-shot
// scoring.
type RecordData struct {
	Audio      string  `json:"audio"` // base64
	Filename   string  `json:"filename,omitempty"`
	Duration   float64 `json:"duration"`
	Channels   int     `json:"channels"`
	SampleRate int     `json:"sampleRate"`
	SampleSize int     `json:"sampleSize"`
}

// StartRequest optionally selects the capture device.
type StartRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
}

type StartResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type StopResponse struct {
	Status string `json:"status"`
}

// StatusResponse reports whether a detection worker is alive.
type StatusResponse struct {
	IsRecording bool   `json:"is_recording"`
	State       string `json:"state"`
	SessionID   string `json:"session_id,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

// UploadResponse is the result of one-shot upload scoring.
type UploadResponse struct {
	Filename string  `json:"filename"`
	Score    float64 `json:"score"`
	Label    string  `json:"label"`
}

type LatestResponse struct {
	Kind     string `json:"kind"`
	Filename string `json:"filename"`
}
