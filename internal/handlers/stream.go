package handlers

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
	"github.com/Brownie44l1/tensorbridge/internal/imaging"
)

const (
	modeDetect   = "detect"
	modeClassify = "classify"

	streamIdleTimeout = 60 * time.Second
)

type streamError struct {
	Error string `json:"error"`
}

// Stream upgrades to a websocket. Each binary message is an encoded image
// frame; each reply is a JSON result for that frame, in order.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("mode")
	if mode == "" {
		mode = modeDetect
	}
	if mode != modeDetect && mode != modeClassify {
		http.Error(w, "mode must be detect or classify", http.StatusBadRequest)
		return
	}
	threshold, err := parseThreshold(query.Get("threshold"), h.threshold)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	header := http.Header{}
	if id := errs.RequestID(r.Context()); id != "" {
		header.Set(RequestIDHeader, id)
	}
	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		h.requestLog(r).Warn("Upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.requestLog(r).With(zap.String("mode", mode))
	log.Info("Stream opened")
	conn.SetReadLimit(maxUpload)

	frames := 0
	for {
		conn.SetReadDeadline(time.Now().Add(streamIdleTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Error reading frame", zap.Error(err))
			}
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		frames++

		reply := h.processFrame(r, mode, threshold, data)
		payload, err := json.Marshal(reply)
		if err != nil {
			log.Error("Cannot encode reply", zap.Error(err))
			break
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Warn("Error writing reply", zap.Error(err))
			break
		}
	}
	log.Info("Stream closed", zap.Int("frames", frames))
}

func (h *Handler) processFrame(r *http.Request, mode string, threshold float32, frame []byte) interface{} {
	img, _, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return streamError{Error: err.Error()}
	}
	rgba, err := h.preprocessImage(img)
	if err != nil {
		return streamError{Error: err.Error()}
	}

	var result interface{}
	if mode == modeClassify {
		result, err = h.modelServer.Classify(r.Context(), rgba)
	} else {
		result, err = h.modelServer.Detect(r.Context(), rgba, threshold)
	}
	if err != nil {
		return streamError{Error: err.Error()}
	}
	return result
}
