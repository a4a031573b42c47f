package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"proxyguard/internal/metrics"
	"proxyguard/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

const requestIDHeader = "X-Request-ID"

// RequestObserver wraps the rest of the chain, buffers request and response,
// and appends one request log row per request. The response is held in a
// captureWriter and copied to the client once the chain returns. A panic
// downstream is recorded, the real writer restored, and the panic re-raised
// for the error handler.
func (h *APIHandler) RequestObserver() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		st := requestState(c)
		st.RequestID = requestID(c.GetHeader(requestIDHeader))
		c.Request.Header.Set(requestIDHeader, st.RequestID)
		c.Header(requestIDHeader, st.RequestID)

		limit := h.previewLimit()
		rec := &models.RequestLog{
			RequestID:      st.RequestID,
			TimestampUTC:   start.UTC(),
			ClientIP:       c.ClientIP(),
			HTTPMethod:     c.Request.Method,
			RequestPath:    c.Request.URL.Path,
			QueryString:    c.Request.URL.RawQuery,
			RequestHeaders: headersJSON(c.Request.Header),
			UserAgent:      c.Request.UserAgent(),
		}

		original := c.Writer
		capture := newCaptureWriter(original)
		c.Writer = capture

		var body *spooledBody
		defer func() {
			panicked := recover()
			c.Writer = original

			if panicked != nil {
				setProcessingError(rec, fmt.Sprintf("panic in pipeline: %v", panicked))
				rec.ResponseStatusCode = http.StatusInternalServerError
			} else {
				if started, err := capture.flush(); err != nil {
					zlog.Debug().Err(err).Str("request_id", st.RequestID).Msg("Failed to copy captured response to client")
				} else if !started {
					zlog.Warn().Str("request_id", st.RequestID).Msg("Response already started, captured body not copied")
				}
				rec.ResponseStatusCode = original.Status()
				if len(c.Errors) > 0 {
					setProcessingError(rec, c.Errors.Last().Error())
					if !capture.captured() && !original.Written() {
						// the error handler answers with a 500
						rec.ResponseStatusCode = http.StatusInternalServerError
					}
				}
			}

			h.finishRecord(c, rec, st, capture, limit, time.Since(start))
			h.saveRecord(c.Request.Context(), rec)

			if panicked != nil {
				panic(panicked)
			}
		}()
		defer func() { body.cleanup() }()

		var err error
		body, err = h.bufferRequestBody(c.Request, rec, limit)
		if err != nil {
			zlog.Warn().Err(err).Str("request_id", st.RequestID).Msg("Failed to read request body, not forwarding")
			_ = c.Error(fmt.Errorf("read request body: %w", err))
			c.Abort()
			return
		}

		c.Next()
	}
}

func requestID(incoming string) string {
	if id, err := uuid.Parse(incoming); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// bufferRequestBody spools the body so later stages can read it again and
// fills the preview and size fields of rec. Bodies past BodyBufferLimit are
// spooled to a temp file.
func (h *APIHandler) bufferRequestBody(r *http.Request, rec *models.RequestLog, limit int) (*spooledBody, error) {
	if r.ContentLength > 0 {
		n := r.ContentLength
		rec.RequestSizeBytes = &n
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	body, err := spoolBody(r.Body, h.cfg.BodyBufferLimit)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = body
	if rec.RequestSizeBytes == nil && body.size > 0 {
		n := body.size
		rec.RequestSizeBytes = &n
	}
	rec.RequestBodyPreview = previewText(body.head, limit)
	return body, nil
}

func setProcessingError(rec *models.RequestLog, msg string) {
	rec.ProxyProcessingError = &msg
}

func (h *APIHandler) finishRecord(c *gin.Context, rec *models.RequestLog, st *RequestState, capture *captureWriter, limit int, elapsed time.Duration) {
	cls := h.deps.Categorizer.Classify(c.Request.Context(), rec.RequestPath)
	rec.EndpointGroup = cls.GroupName
	rec.TokenIDUsed = st.TokenID
	rec.WasTokenValid = st.TokenValidated
	rec.BackendTargetURL = st.BackendTarget
	rec.DurationMs = elapsed.Milliseconds()

	respHeaders := c.Writer.Header()
	rec.ResponseHeaders = headersJSON(respHeaders)
	if body := capture.Bytes(); len(body) > 0 {
		n := int64(len(body))
		rec.ResponseSizeBytes = &n
		rec.ResponseBodyPreview = decodedPreview(body, respHeaders.Get("Content-Encoding"), limit)
	}

	if h.deps.Geo != nil {
		rec.GeoCountry, rec.GeoCity = h.deps.Geo.Lookup(rec.ClientIP)
	}

	metrics.MetricHttpDuration.
		WithLabelValues(rec.EndpointGroup, rec.HTTPMethod, strconv.Itoa(rec.ResponseStatusCode)).
		Observe(elapsed.Seconds())
}

// saveRecord persists the row. Failures are logged and counted only; the
// client's response is never affected.
func (h *APIHandler) saveRecord(ctx context.Context, rec *models.RequestLog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.deps.RequestLogs.InsertRequestLog(ctx, rec); err != nil {
		metrics.MetricRequestLogErrorsTotal.Inc()
		zlog.Error().Err(err).Str("request_id", rec.RequestID).Msg("Failed to save request log")
	}
}
