package server

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ensemblehq/ensemble/internal/orchestration"
)

// sseWriter emits chunk events in SSE framing with a terminal [DONE] marker.
type sseWriter struct {
	resp    *echo.Response
	flusher http.Flusher
}

func newSSEWriter(resp *echo.Response, flusher http.Flusher) *sseWriter {
	return &sseWriter{resp: resp, flusher: flusher}
}

func (w *sseWriter) chunk(chunk orchestration.TaggedChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := w.resp.Write([]byte("event: chunk\n")); err != nil {
		return err
	}
	if _, err := w.resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) done() error {
	if _, err := w.resp.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
