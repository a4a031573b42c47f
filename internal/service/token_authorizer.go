package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"proxyguard/internal/metrics"
	"proxyguard/internal/models"
	"proxyguard/internal/repository"

	zlog "github.com/rs/zerolog/log"
)

type Reason string

const (
	ReasonGranted                       Reason = "Granted"
	ReasonMalformedRequest              Reason = "MalformedRequest"
	ReasonTokenNotFound                 Reason = "TokenNotFound"
	ReasonTokenDisabled                 Reason = "TokenDisabled"
	ReasonTokenExpired                  Reason = "TokenExpired"
	ReasonNoGroupPermission             Reason = "NoGroupPermission"
	ReasonPermissionConfigInconsistency Reason = "PermissionConfigInconsistency"
	ReasonMethodNotAllowed              Reason = "MethodNotAllowed"
	ReasonStoreUnavailable              Reason = "StoreUnavailable"
)

// StatusCode is the HTTP status a denial is answered with.
func (r Reason) StatusCode() int {
	switch r {
	case ReasonGranted:
		return http.StatusOK
	case ReasonMalformedRequest, ReasonTokenNotFound, ReasonTokenDisabled, ReasonTokenExpired:
		return http.StatusUnauthorized
	case ReasonNoGroupPermission, ReasonPermissionConfigInconsistency:
		return http.StatusForbidden
	case ReasonMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusServiceUnavailable
	}
}

func (r Reason) Message() string {
	switch r {
	case ReasonMalformedRequest:
		return "Authorization token is missing or malformed."
	case ReasonTokenNotFound, ReasonTokenDisabled, ReasonTokenExpired:
		return "The provided token is invalid, disabled or expired."
	case ReasonNoGroupPermission:
		return "The provided token does not grant access to this resource."
	case ReasonPermissionConfigInconsistency:
		return "Access denied due to an internal permission configuration issue. Please contact the administrator."
	case ReasonMethodNotAllowed:
		return "The HTTP method is not allowed for this token on this resource."
	case ReasonStoreUnavailable:
		return "Authorization is temporarily unavailable. Please retry later."
	default:
		return ""
	}
}

// Decision is the outcome of one authorization attempt.
type Decision struct {
	Granted        bool
	Reason         Reason
	TokenID        *int64
	AllowedMethods []string
}

type TokenStore interface {
	GetTokenGrant(ctx context.Context, tokenValue, groupName string) (*models.TokenGrant, error)
	UpdateTokenLastUsed(ctx context.Context, id int64, at time.Time) error
}

type TokenAuthorizer struct {
	store TokenStore
	now   func() time.Time
}

func NewTokenAuthorizer(store TokenStore) *TokenAuthorizer {
	return &TokenAuthorizer{store: store, now: time.Now}
}

// Authorize runs the token checks in order and stops at the first failure.
func (a *TokenAuthorizer) Authorize(ctx context.Context, tokenValue, groupName, method string) Decision {
	d := a.authorize(ctx, tokenValue, groupName, method)
	metrics.MetricAuthDecisionsTotal.WithLabelValues(groupName, string(d.Reason)).Inc()
	return d
}

func (a *TokenAuthorizer) authorize(ctx context.Context, tokenValue, groupName, method string) Decision {
	tokenValue = strings.TrimSpace(tokenValue)
	if tokenValue == "" || strings.TrimSpace(groupName) == "" {
		return Decision{Reason: ReasonMalformedRequest}
	}

	grant, err := a.store.GetTokenGrant(ctx, tokenValue, groupName)
	if errors.Is(err, repository.ErrNotFound) {
		return Decision{Reason: ReasonTokenNotFound}
	}
	if err != nil {
		zlog.Error().Err(err).Str("group", groupName).Msg("Token lookup failed")
		return Decision{Reason: ReasonStoreUnavailable}
	}

	token := grant.Token
	id := token.ID
	deny := func(r Reason) Decision { return Decision{Reason: r, TokenID: &id} }

	if !token.IsEnabled {
		return deny(ReasonTokenDisabled)
	}
	now := a.now().UTC()
	if token.DoesExpire && token.ExpiresAt != nil && token.ExpiresAt.Before(now) {
		return deny(ReasonTokenExpired)
	}
	if grant.Permission == nil {
		return deny(ReasonNoGroupPermission)
	}

	allowed := ParseMethods(grant.Permission.AllowedHTTPMethods)
	if len(allowed) == 0 {
		zlog.Error().Int64("token_id", id).Str("group", groupName).
			Msg("Permission row has no allowed HTTP methods; check token_permissions")
		return deny(ReasonPermissionConfigInconsistency)
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	for _, m := range allowed {
		if m == method {
			if err := a.store.UpdateTokenLastUsed(ctx, id, now); err != nil {
				zlog.Warn().Err(err).Int64("token_id", id).Msg("Failed to update token last-used time")
			}
			return Decision{Granted: true, Reason: ReasonGranted, TokenID: &id, AllowedMethods: allowed}
		}
	}
	d := deny(ReasonMethodNotAllowed)
	d.AllowedMethods = allowed
	return d
}

// ParseMethods splits a comma separated method list, trimming and
// upper-casing each entry and dropping blanks.
func ParseMethods(raw string) []string {
	var out []string
	for _, m := range strings.Split(raw, ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}
