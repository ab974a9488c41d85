package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"poseoverlay/internal/job"
	"poseoverlay/internal/pipeline"
)

const (
	// multipart parts above this size are spooled to disk
	formMemory = 32 << 20

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// JobService runs uploaded videos.
type JobService interface {
	Submit(upload io.Reader, filename string, opts pipeline.Options) (job.Snapshot, error)
	Process(ctx context.Context, upload io.Reader, filename string, opts pipeline.Options) (io.ReadCloser, job.Snapshot, error)
	Get(id string) (job.Snapshot, error)
	Subscribe(id string) (<-chan job.Snapshot, func(), error)
	Open(id string) (io.ReadCloser, job.Snapshot, error)
}

// JobRecorder counts job events.
type JobRecorder interface {
	RecordJob(event string)
}

// VideoHandler serves uploads, job status and downloads.
type VideoHandler struct {
	jobs      JobService
	recorder  JobRecorder
	maxUpload int64
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewVideoHandler creates the handler. recorder may be nil.
func NewVideoHandler(jobs JobService, maxUpload int64, recorder JobRecorder, logger *zap.Logger) *VideoHandler {
	return &VideoHandler{
		jobs:      jobs,
		recorder:  recorder,
		maxUpload: maxUpload,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With(zap.String("component", "videos")),
	}
}

// upload is a parsed video upload.
type upload struct {
	file     multipart.File
	filename string
	opts     pipeline.Options
}

func (h *VideoHandler) readUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	if 0 < h.maxUpload {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	if err := r.ParseMultipartForm(formMemory); nil != err {
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
			return nil, NewAPIError(http.StatusBadRequest, CodeNoVideo, NoVideoMessage).WithCause(err)
		}
		return nil, err
	}

	file, header, err := r.FormFile(FieldVideo)
	if nil != err {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, NewAPIError(http.StatusBadRequest, CodeNoVideo, NoVideoMessage).WithCause(err)
		}
		return nil, err
	}

	if 0 == header.Size {
		_ = file.Close()
		return nil, NewAPIError(http.StatusBadRequest, CodeNoVideo, NoVideoMessage)
	}

	opts, err := parseOptions(r)
	if nil != err {
		_ = file.Close()
		return nil, err
	}

	return &upload{file: file, filename: header.Filename, opts: opts}, nil
}

func cleanupForm(r *http.Request) {
	if nil != r.MultipartForm {
		_ = r.MultipartForm.RemoveAll()
	}
}

// HandleProcess processes an upload synchronously and responds with the
// annotated video.
func (h *VideoHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	defer cleanupForm(r)

	up, err := h.readUpload(w, r)
	if nil != err {
		WriteError(w, r, err, h.logger)
		return
	}
	defer up.file.Close()

	rc, snap, err := h.jobs.Process(r.Context(), up.file, up.filename, up.opts)
	if nil != err {
		h.record("rejected")
		WriteError(w, r, err, h.logger)
		return
	}
	defer rc.Close()

	h.record("processed")
	h.logger.Info("video processed",
		zap.String("job_id", snap.ID),
		zap.String("filename", snap.Filename),
		zap.String("request_id", RequestID(r.Context())),
	)

	serveVideo(w, r, rc, snap)
}

// HandleSubmit queues an upload and responds 202 with the job snapshot.
func (h *VideoHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	defer cleanupForm(r)

	up, err := h.readUpload(w, r)
	if nil != err {
		WriteError(w, r, err, h.logger)
		return
	}
	defer up.file.Close()

	snap, err := h.jobs.Submit(up.file, up.filename, up.opts)
	if nil != err {
		h.record("rejected")
		WriteError(w, r, err, h.logger)
		return
	}

	h.record("submitted")

	w.Header().Set("Location", "/api/v1/jobs/"+snap.ID)
	WriteSuccess(w, r, http.StatusAccepted, snap)
}

// HandleGet serves a job snapshot.
func (h *VideoHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.jobs.Get(r.PathValue("id"))
	if nil != err {
		WriteError(w, r, err, h.logger)
		return
	}

	WriteSuccess(w, r, http.StatusOK, snap)
}

// HandleDownload serves a finished job's video once.
func (h *VideoHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	rc, snap, err := h.jobs.Open(r.PathValue("id"))
	if nil != err {
		WriteError(w, r, err, h.logger)
		return
	}
	defer rc.Close()

	h.record("downloaded")
	serveVideo(w, r, rc, snap)
}

func serveVideo(w http.ResponseWriter, r *http.Request, rc io.Reader, snap job.Snapshot) {
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.OutputName+`"`)

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, job.OutputName, snap.UpdatedAt, rs)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// HandleProgress streams job snapshots over a websocket until the job
// finishes or the client goes away.
func (h *VideoHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	updates, cancel, err := h.jobs.Subscribe(id)
	if nil != err {
		WriteError(w, r, err, h.logger)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if nil != err {
		// the upgrader has already responded
		h.logger.Debug("websocket upgrade failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); nil != err {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); nil != err {
				return
			}

		case snap, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}

			if err := conn.WriteJSON(snap); nil != err {
				h.logger.Debug("websocket write failed", zap.String("job_id", id), zap.Error(err))
				return
			}
		}
	}
}

func (h *VideoHandler) record(event string) {
	if nil != h.recorder {
		h.recorder.RecordJob(event)
	}
}
