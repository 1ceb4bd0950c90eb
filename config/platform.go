package config

import "runtime"

// defaultCaptureFormat maps the host OS to the ffmpeg input device family.
func defaultCaptureFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "alsa"
	}
}
