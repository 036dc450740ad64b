package stream

import (
	"bytes"
	"fmt"
	"image"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"objrec/internal/pipeline"
)

// ErrClosed is returned by Show once the display has been closed.
var ErrClosed = errors.New("display closed")

const clientBuffer = 5

// MJPEGDisplay is a pipeline.Display that serves annotated frames to HTTP
// clients as a multipart MJPEG stream. Show never blocks on slow clients;
// they skip frames instead.
type MJPEGDisplay struct {
	quality int
	logger  *zap.Logger

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex

	current []byte
	frameMu sync.RWMutex

	frames atomic.Uint64
	cancel atomic.Bool
	closed atomic.Bool
}

// NewMJPEGDisplay creates a display encoding JPEGs at quality (1..100).
func NewMJPEGDisplay(quality int, logger *zap.Logger) *MJPEGDisplay {
	if quality < 1 || quality > 100 {
		quality = 85
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MJPEGDisplay{
		quality: quality,
		logger:  logger.Named("mjpeg"),
		clients: make(map[chan []byte]bool),
	}
}

// Show implements pipeline.Display.
func (d *MJPEGDisplay) Show(img image.Image) error {
	if d.closed.Load() {
		return ErrClosed
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(d.quality)); err != nil {
		return errors.Wrap(err, "encode frame")
	}
	frame := buf.Bytes()

	d.frameMu.Lock()
	d.current = frame
	d.frameMu.Unlock()
	d.frames.Add(1)

	d.clientsMu.RLock()
	for ch := range d.clients {
		select {
		case ch <- frame:
		default:
			// Client is slow, skip frame
		}
	}
	d.clientsMu.RUnlock()
	return nil
}

// CancelRequested implements pipeline.Display.
func (d *MJPEGDisplay) CancelRequested() bool {
	return d.cancel.Load()
}

// RequestCancel asks the loop to stop after the current tick.
func (d *MJPEGDisplay) RequestCancel() {
	if !d.cancel.Swap(true) {
		d.logger.Info("cancel requested")
	}
}

// Close implements pipeline.Display. Connected clients are disconnected.
func (d *MJPEGDisplay) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.clientsMu.Lock()
	for ch := range d.clients {
		close(ch)
		delete(d.clients, ch)
	}
	d.clientsMu.Unlock()
	d.logger.Info("display closed", zap.Uint64("frames", d.frames.Load()))
	return nil
}

// Frame returns the last shown frame as JPEG, nil before the first Show.
func (d *MJPEGDisplay) Frame() []byte {
	d.frameMu.RLock()
	defer d.frameMu.RUnlock()
	return d.current
}

// Frames returns the number of frames shown.
func (d *MJPEGDisplay) Frames() uint64 {
	return d.frames.Load()
}

// Clients returns the number of connected stream clients.
func (d *MJPEGDisplay) Clients() int {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	return len(d.clients)
}

func (d *MJPEGDisplay) subscribe() (chan []byte, bool) {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	if d.closed.Load() {
		return nil, false
	}
	ch := make(chan []byte, clientBuffer)
	d.clients[ch] = true
	return ch, true
}

func (d *MJPEGDisplay) unsubscribe(ch chan []byte) {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	if d.clients[ch] {
		delete(d.clients, ch)
		close(ch)
	}
}

// ServeHTTP serves the MJPEG stream to a client
func (d *MJPEGDisplay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	clientCh, ok := d.subscribe()
	if !ok {
		http.Error(w, "Display closed", http.StatusServiceUnavailable)
		return
	}
	defer d.unsubscribe(clientCh)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	d.logger.Debug("client connected", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-r.Context().Done():
			d.logger.Debug("client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			w.Write(frame)
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// SnapshotHandler serves the last shown frame as a single JPEG.
func (d *MJPEGDisplay) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frame := d.Frame()
		if frame == nil {
			http.Error(w, "No frame available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
		w.Write(frame)
	})
}

// QuitHandler stops the loop on POST, the HTTP counterpart of pressing ESC
// in a window display.
func (d *MJPEGDisplay) QuitHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		d.RequestCancel()
		w.WriteHeader(http.StatusAccepted)
	})
}

var _ pipeline.Display = (*MJPEGDisplay)(nil)
