package api

import (
	"context"

	"proxyguard/internal/models"

	"github.com/gin-gonic/gin"
)

// RequestState carries what the pipeline stages learn about one request.
// The observer creates it; the token check and the proxy handler fill it in;
// the observer reads it back when it writes the request log row.
type RequestState struct {
	RequestID      string
	Classification *models.EndpointClassification
	TokenID        *int64
	TokenValidated *bool
	BackendTarget  string
}

type stateKey struct{}

func WithState(ctx context.Context, st *RequestState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// StateFrom returns the state stored in ctx, or nil.
func StateFrom(ctx context.Context) *RequestState {
	st, _ := ctx.Value(stateKey{}).(*RequestState)
	return st
}

// requestState returns the state of c, attaching a new one when the observer
// is not part of the chain.
func requestState(c *gin.Context) *RequestState {
	if st := StateFrom(c.Request.Context()); st != nil {
		return st
	}
	st := &RequestState{}
	c.Request = c.Request.WithContext(WithState(c.Request.Context(), st))
	return st
}
