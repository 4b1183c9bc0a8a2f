package handlers

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
	"github.com/Brownie44l1/tensorbridge/internal/imaging"
	"github.com/Brownie44l1/tensorbridge/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxUpload bounds request bodies and stream frames.
const maxUpload = 10 << 20

type Handler struct {
	modelServer *model.Server
	log         *zap.Logger
	threshold   float32
	upgrader    websocket.Upgrader
}

func NewHandler(modelServer *model.Server, log *zap.Logger, threshold float32) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		modelServer: modelServer,
		log:         log,
		threshold:   threshold,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":  "healthy",
		"pending": h.modelServer.Pending(),
	})
}

// Model reports the tensor shapes of the loaded model.
func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.modelServer.Info())
}

// Predict classifies raw RGB bytes sized exactly to the model input.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpload))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	result, err := h.modelServer.ClassifyRGB(r.Context(), body)
	if err != nil {
		h.fail(w, r, "Prediction failed", err)
		return
	}
	writeJSON(w, result)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	rgba, ok := h.readImage(w, r)
	if !ok {
		return
	}

	result, err := h.modelServer.Classify(r.Context(), rgba)
	if err != nil {
		h.fail(w, r, "Prediction failed", err)
		return
	}
	writeJSON(w, result)
}

// Detect runs object detection on an uploaded image. The threshold query
// parameter overrides the configured score threshold.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	threshold, err := parseThreshold(r.URL.Query().Get("threshold"), h.threshold)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rgba, ok := h.readImage(w, r)
	if !ok {
		return
	}

	result, err := h.modelServer.Detect(r.Context(), rgba, threshold)
	if err != nil {
		h.fail(w, r, "Detection failed", err)
		return
	}
	writeJSON(w, result)
}

// readImage decodes the multipart "image" field and scales it to the model
// input. It writes the error response itself and reports whether to go on.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	if err := r.ParseMultipartForm(maxUpload); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return nil, false
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return nil, false
	}
	defer file.Close()

	log := h.requestLog(r)
	log.Debug("Received file", zap.String("filename", header.Filename), zap.Int64("size", header.Size))

	img, format, err := imaging.Decode(file)
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG", http.StatusBadRequest)
		return nil, false
	}

	rgba, err := h.preprocessImage(img)
	if err != nil {
		h.fail(w, r, "Failed to preprocess image", err)
		return nil, false
	}
	log.Debug("Preprocessed image",
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))
	return rgba, true
}

// preprocessImage scales img to the model input and returns RGBA pixels.
func (h *Handler) preprocessImage(img image.Image) ([]byte, error) {
	width, height, err := h.modelServer.InputSize()
	if err != nil {
		return nil, err
	}
	return imaging.ToRGBA(img, width, height), nil
}

func parseThreshold(raw string, fallback float32) (float32, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil || v < 0 || v > 1 {
		return 0, errors.New("threshold must be a number between 0 and 1")
	}
	return float32(v), nil
}

func (h *Handler) requestLog(r *http.Request) *zap.Logger {
	if id := errs.RequestID(r.Context()); id != "" {
		return h.log.With(zap.String("request_id", id))
	}
	return h.log
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.requestLog(r).Error(msg, zap.Error(err))
	}
	http.Error(w, msg+": "+err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidArgument), errors.Is(err, errs.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotReady), errors.Is(err, errs.ErrInvokeInFlight):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
