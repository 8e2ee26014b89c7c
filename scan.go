package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/scanlab/scan-service/detections"
	"github.com/scanlab/scan-service/models"
)

// inferer is the part of the detector the HTTP layer needs.
type inferer interface {
	InferTimed(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
}

type AppState struct {
	Detector       inferer
	Logger         *zap.SugaredLogger
	MaxUploadBytes int64

	ready atomic.Bool
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

var errNoFile = errors.New("request carries no image")

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	s.Logger.Debugw("processing times",
		"request_id", t.RequestID,
		"decode", t.ImageDecode,
		"resize", t.Resize,
		"preprocess", t.Preprocess,
		"wait", t.Wait,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"suppression", t.Suppression,
		"total", t.Total,
	)
}

func handleScan(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		requestID := uuid.NewString()
		timings := &models.ProcessingTimings{RequestID: requestID}
		w.Header().Set("X-Request-ID", requestID)

		r.Body = http.MaxBytesReader(w, r.Body, state.MaxUploadBytes)
		imgBytes, err := readImage(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.Is(err, errNoFile):
				sendErrorResponse(w, "no_file", MsgNoFile, "", http.StatusNotAcceptable)
			case errors.As(err, &tooLarge):
				sendErrorResponse(w, "too_large", MsgTooLarge, err.Error(), http.StatusRequestEntityTooLarge)
			default:
				sendErrorResponse(w, "invalid_request", MsgNoFile, err.Error(), http.StatusBadRequest)
			}
			return
		}

		decodeStart := time.Now()
		img, err := decodeImage(imgBytes)
		timings.ImageDecode = time.Since(decodeStart)
		if err != nil {
			sendErrorResponse(w, "invalid_image", MsgInvalidImage, err.Error(), http.StatusBadRequest)
			return
		}

		resizeStart := time.Now()
		input := squareInput(img)
		timings.Resize = time.Since(resizeStart)

		dets, err := state.Detector.InferTimed(r.Context(), input, timings)
		if err != nil {
			code, msg, status := inferenceFailure(err)
			state.Logger.Warnw("scan failed", "request_id", requestID, "error", err)
			sendErrorResponse(w, code, msg, "", status)
			return
		}

		timings.Total = time.Since(startTotal)
		state.logTimings(timings)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(dets); err != nil {
			state.Logger.Warnw("failed to write response", "request_id", requestID, "error", err)
		}
	}
}

func inferenceFailure(err error) (code, message string, status int) {
	switch {
	case errors.Is(err, detections.ErrInference):
		return "inference_error", MsgInferenceFailed, http.StatusInternalServerError
	case errors.Is(err, detections.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return "unavailable", MsgUnavailable, http.StatusServiceUnavailable
	}
	return "processing_error", MsgInferenceFailed, http.StatusInternalServerError
}

func handleHealth(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status, body := http.StatusOK, "ok"
		if !state.ready.Load() {
			status, body = http.StatusServiceUnavailable, "starting"
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": body})
	}
}

// readImage extracts the uploaded image from a JSON, multipart or raw body.
func readImage(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Wrap(err, "malformed JSON body")
	}
	encoded := req.Image
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.IndexByte(encoded, ','); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	if encoded == "" {
		return nil, errNoFile
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "image is not valid base64")
	}
	return data, nil
}

// handleMultipartRequest returns the first part carrying a file.
func handleMultipartRequest(r *http.Request) ([]byte, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, errors.Wrap(err, "malformed multipart body")
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, errNoFile
		}
		if err != nil {
			return nil, errors.Wrap(err, "malformed multipart body")
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read uploaded file")
		}
		if len(data) == 0 {
			return nil, errNoFile
		}
		return data, nil
	}
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read request body")
	}
	if len(data) == 0 {
		return nil, errNoFile
	}
	return data, nil
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

// squareInput crops the largest centered square and scales it to the model
// input size.
func squareInput(img image.Image) *image.NRGBA {
	b := img.Bounds()
	size := min(b.Dx(), b.Dy())
	cropped := imaging.CropCenter(img, size, size)
	return imaging.Resize(cropped, detections.InputWidth, detections.InputHeight, imaging.CatmullRom)
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
