// Package handlers implements the HTTP API.
package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"poseoverlay/internal/annotate"
	"poseoverlay/internal/demo"
	"poseoverlay/internal/job"
	"poseoverlay/internal/keypoint"
)

// Error codes.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidStyle      = "invalid_style"
	CodeUnknownKeypoint   = "unknown_keypoint"
	CodeNoVideo           = "no_video"
	CodeUnsupportedFormat = "unsupported_format"
	CodeUploadTooLarge    = "upload_too_large"
	CodeNotFound          = "not_found"
	CodeNotReady          = "not_ready"
	CodeQueueFull         = "queue_full"
	CodeRateLimited       = "rate_limited"
	CodeDemoUnavailable   = "demo_unavailable"
	CodeProcessingFailed  = "processing_failed"
	CodeUnavailable       = "service_unavailable"
	CodeInternal          = "internal_error"
)

// NoVideoMessage is shown when a request carries no upload.
const NoVideoMessage = "Please upload a video to apply the customized keypoints."

// RequestIDHeader carries the request id.
const RequestIDHeader = "X-Request-ID"

// Response is the JSON envelope of every API response.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is an error with its HTTP rendering.
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
	Cause      error
}

// NewAPIError builds an APIError.
func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Code: code, Message: message, HTTPStatus: status}
}

// WithCause attaches the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

func (e *APIError) Error() string {
	if nil != e.Cause {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// toAPIError maps package errors onto API errors.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return NewAPIError(http.StatusRequestEntityTooLarge, CodeUploadTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)).WithCause(err)
	case errors.Is(err, annotate.ErrStyleOutOfRange), errors.Is(err, annotate.ErrInvalidColor):
		return NewAPIError(http.StatusBadRequest, CodeInvalidStyle, err.Error()).WithCause(err)
	case errors.Is(err, keypoint.ErrUnknownKeypoint):
		return NewAPIError(http.StatusBadRequest, CodeUnknownKeypoint, err.Error()).WithCause(err)
	case errors.Is(err, job.ErrUnsupportedFormat):
		return NewAPIError(http.StatusUnsupportedMediaType, CodeUnsupportedFormat,
			"supported formats are mp4, mov and avi").WithCause(err)
	case errors.Is(err, job.ErrNotFound):
		return NewAPIError(http.StatusNotFound, CodeNotFound, "job not found").WithCause(err)
	case errors.Is(err, job.ErrNotReady):
		return NewAPIError(http.StatusConflict, CodeNotReady, "job has not finished").WithCause(err)
	case errors.Is(err, job.ErrQueueFull):
		return NewAPIError(http.StatusTooManyRequests, CodeQueueFull, "too many videos are waiting, try again later").WithCause(err)
	case errors.Is(err, job.ErrClosed):
		return NewAPIError(http.StatusServiceUnavailable, CodeUnavailable, "server is shutting down").WithCause(err)
	case errors.Is(err, job.ErrFailed):
		return NewAPIError(http.StatusUnprocessableEntity, CodeProcessingFailed, err.Error()).WithCause(err)
	case errors.Is(err, demo.ErrUnavailable):
		return NewAPIError(http.StatusBadGateway, CodeDemoUnavailable, "demo image unavailable").WithCause(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewAPIError(http.StatusServiceUnavailable, CodeUnavailable, "request cancelled").WithCause(err)
	}

	return NewAPIError(http.StatusInternalServerError, CodeInternal, "internal error").WithCause(err)
}

// WriteJSON writes data as JSON.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes data in the envelope.
func WriteSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: RequestID(r.Context()),
	})
}

// WriteError renders err in the envelope. Server errors are logged at error
// level, client errors at debug.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	apiErr := toAPIError(err)

	if nil != logger {
		log := logger.Debug
		if http.StatusInternalServerError <= apiErr.HTTPStatus {
			log = logger.Error
		}
		log("API error",
			zap.String("code", apiErr.Code),
			zap.Int("status", apiErr.HTTPStatus),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
	}

	WriteJSON(w, apiErr.HTTPStatus, Response{
		Error:     &ErrorInfo{Code: apiErr.Code, Message: apiErr.Message},
		Timestamp: time.Now(),
		RequestID: RequestID(r.Context()),
	})
}

type requestIDKey struct{}

// WithRequestID stores the request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ResponseWriter captures the status code and body size.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Bytes      int64
	Written    bool
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Flush forwards to the wrapped writer when it can flush.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.Written = true
	rw.StatusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
