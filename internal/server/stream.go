package server

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
)

// DefaultStreamInterval paces the MJPEG stream at about 15 frames a second.
const DefaultStreamInterval = 66 * time.Millisecond

// StreamHandler serves the annotated camera view as MJPEG.
type StreamHandler struct {
	ctrl     Controller
	interval time.Duration
}

// NewStreamHandler creates a StreamHandler that sends a frame every interval.
func NewStreamHandler(ctrl Controller, interval time.Duration) *StreamHandler {
	return &StreamHandler{ctrl: ctrl, interval: interval}
}

// ServeHTTP streams frames until the client goes away. Intervals with no
// frame yet are skipped.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var buf bytes.Buffer
	for {
		if img := h.ctrl.View(); img != nil {
			buf.Reset()
			if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err == nil {
				fmt.Fprintf(w, "--frame\r\n")
				fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
				fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", buf.Len())
				w.Write(buf.Bytes())
				fmt.Fprintf(w, "\r\n")

				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
