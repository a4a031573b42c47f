package api

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
)

// captureWriter buffers the whole response so the observer can inspect it.
// Headers go straight to the wrapped writer's header map; status and body are
// held back until flush.
type captureWriter struct {
	gin.ResponseWriter
	body      bytes.Buffer
	status    int
	headerSet bool
	written   bool
}

func newCaptureWriter(w gin.ResponseWriter) *captureWriter {
	return &captureWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *captureWriter) WriteHeader(code int) {
	if code <= 0 || w.written {
		return
	}
	w.status = code
	w.headerSet = true
}

func (w *captureWriter) WriteHeaderNow() {
	w.headerSet = true
	w.written = true
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.headerSet = true
	w.written = true
	return w.body.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.headerSet = true
	w.written = true
	return w.body.WriteString(s)
}

func (w *captureWriter) Status() int {
	return w.status
}

func (w *captureWriter) Size() int {
	if !w.written {
		return -1
	}
	return w.body.Len()
}

func (w *captureWriter) Written() bool {
	return w.written
}

// Flush is a no-op: nothing reaches the client before the observer is done.
func (w *captureWriter) Flush() {}

func (w *captureWriter) Bytes() []byte {
	return w.body.Bytes()
}

// captured reports whether the downstream chain produced a response at all.
func (w *captureWriter) captured() bool {
	return w.headerSet
}

// flush copies the captured response to the wrapped writer. It does nothing
// and returns false when the wrapped writer has already started a response.
func (w *captureWriter) flush() (bool, error) {
	dst := w.ResponseWriter
	if dst.Written() {
		return false, nil
	}
	if !w.captured() {
		return true, nil
	}
	dst.WriteHeader(w.status)
	dst.WriteHeaderNow()
	if w.body.Len() == 0 {
		return true, nil
	}
	_, err := dst.Write(w.body.Bytes())
	return true, err
}
