package handlers

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"poseoverlay/internal/annotate"
	"poseoverlay/internal/keypoint"
)

// Renderer draws the overlay onto the demo image.
type Renderer interface {
	Render(ctx context.Context, selection keypoint.Selection, style annotate.Style) (*image.RGBA, error)
}

// PreviewRecorder counts previews by status.
type PreviewRecorder interface {
	RecordPreview(status string)
}

// PreviewHandler serves the demo preview.
type PreviewHandler struct {
	renderer Renderer
	recorder PreviewRecorder
	logger   *zap.Logger
}

// NewPreviewHandler creates the handler. recorder may be nil.
func NewPreviewHandler(renderer Renderer, recorder PreviewRecorder, logger *zap.Logger) *PreviewHandler {
	return &PreviewHandler{
		renderer: renderer,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "preview")),
	}
}

// HandlePreview renders the demo image as PNG with the style and selection
// taken from the query string.
func (h *PreviewHandler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	selection, err := parseSelection(query)
	if nil != err {
		h.fail(w, r, err)
		return
	}

	style, err := parseStyle(query)
	if nil != err {
		h.fail(w, r, err)
		return
	}

	img, err := h.renderer.Render(r.Context(), selection, style)
	if nil != err {
		h.fail(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); nil != err {
		h.fail(w, r, err)
		return
	}

	h.record("success")

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *PreviewHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.record("error")
	WriteError(w, r, err, h.logger)
}

func (h *PreviewHandler) record(status string) {
	if nil != h.recorder {
		h.recorder.RecordPreview(status)
	}
}
