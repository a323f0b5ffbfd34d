package handlers

import (
	"encoding/json"
	"net/http"

	"chatrelay/pkg/models"
)

// ndjsonSink writes stream events to the client one JSON object per line,
// flushing after each so chunks arrive as they are produced.
type ndjsonSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

func newNDJSONSink(w http.ResponseWriter) (*ndjsonSink, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &ndjsonSink{w: w, flusher: f}, true
}

func (s *ndjsonSink) Send(ev models.StreamEvent) error {
	if !s.wrote {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.WriteHeader(http.StatusOK)
		s.wrote = true
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
