package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strings"

	"proxyguard/internal/metrics"
	"proxyguard/internal/service"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
)

const (
	componentIPGate = "IpBlockingMiddleware"
	componentTokens = "ProxyTokenValidationMiddleware"

	internalErrorMessage = "An unexpected internal server error occurred."
)

// ErrorHandler is the outermost middleware. It turns panics and errors left
// on the context into a 500 JSON response, unless a response was already
// written. Development mode adds the error text as details.
func (h *APIHandler) ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			zlog.Error().
				Interface("panic", rec).
				Str("path", c.Request.URL.Path).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic")
			h.writeInternalError(c, fmt.Errorf("%v", rec))
		}()

		c.Next()

		if len(c.Errors) > 0 {
			last := c.Errors.Last()
			if c.Writer.Written() {
				zlog.Debug().Err(last.Err).Str("path", c.Request.URL.Path).Msg("Request error after response was written")
				return
			}
			zlog.Error().Err(last.Err).Str("path", c.Request.URL.Path).Msg("Unhandled request error")
			h.writeInternalError(c, last.Err)
		}
	}
}

func (h *APIHandler) writeInternalError(c *gin.Context, err error) {
	if c.Writer.Written() {
		return
	}
	body := gin.H{"message": internalErrorMessage}
	if h.cfg.IsDevelopment() && err != nil {
		body["details"] = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, body)
}

// IPBlockMiddleware rejects clients whose IP is on the block list.
func (h *APIHandler) IPBlockMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !h.deps.IPGate.IsBlocked(c.Request.Context(), clientIP) {
			c.Next()
			return
		}

		zlog.Warn().Str("client_ip", clientIP).Str("path", c.Request.URL.Path).Msg("Access denied for blocked IP")
		h.deps.Audit.Record(service.AuditEntry{
			EntityType: "BlockedIpAccessAttempt",
			EntityID:   clientIP,
			Action:     "AccessDenied_IpBlocked",
			Component:  componentIPGate,
			ClientIP:   clientIP,
			NewValue: map[string]string{
				"Path":      c.Request.URL.Path,
				"UserAgent": c.Request.UserAgent(),
			},
		})
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"message": "Your IP address has been blocked and is not allowed to access this resource.",
		})
	}
}

// bearerToken extracts the token of a "Bearer <token>" header. The scheme is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// TokenAuthMiddleware enforces per-group bearer tokens. OPTIONS requests and
// groups that do not require a token pass through.
func (h *APIHandler) TokenAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		st := requestState(c)
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		path := c.Request.URL.Path
		cls := h.deps.Categorizer.Classify(ctx, path)
		st.Classification = &cls
		if !cls.RequiresToken {
			c.Next()
			return
		}

		group := cls.GroupName
		method := strings.ToUpper(c.Request.Method)
		clientIP := c.ClientIP()
		header := c.GetHeader("Authorization")

		token, ok := bearerToken(header)
		if !ok {
			received := "MISSING"
			if header != "" {
				received = "MALFORMED"
			}
			zlog.Warn().Str("path", path).Str("group", group).Str("header", received).Msg("Token missing or malformed")
			h.deps.Audit.Record(service.AuditEntry{
				EntityType: "TokenValidationAttempt",
				EntityID:   "N/A_TokenMissingOrMalformed",
				Action:     "TokenMissingOrMalformed_ForGroup:" + group,
				Component:  componentTokens,
				ClientIP:   clientIP,
				NewValue:   map[string]string{"Path": path, "ReceivedHeader": received, "EndpointGroup": group},
			})
			metrics.MetricAuthDecisionsTotal.WithLabelValues(group, string(service.ReasonMalformedRequest)).Inc()
			markTokenResult(st, nil, false)
			deny(c, service.ReasonMalformedRequest, nil)
			return
		}

		d := h.deps.Authorizer.Authorize(ctx, token, group, method)
		markTokenResult(st, d.TokenID, d.Granted)
		h.auditDecision(c, d, token, group, method, path, clientIP)
		if !d.Granted {
			deny(c, d.Reason, d.AllowedMethods)
			return
		}
		c.Next()
	}
}

func markTokenResult(st *RequestState, tokenID *int64, valid bool) {
	st.TokenID = tokenID
	st.TokenValidated = &valid
}

func deny(c *gin.Context, reason service.Reason, allowed []string) {
	if reason == service.ReasonMethodNotAllowed && len(allowed) > 0 {
		c.Header("Allow", strings.Join(allowed, ", "))
	}
	c.AbortWithStatusJSON(reason.StatusCode(), gin.H{"message": reason.Message()})
}

func (h *APIHandler) auditDecision(c *gin.Context, d service.Decision, token, group, method, path, clientIP string) {
	entry := service.AuditEntry{
		EntityType: "TokenValidationAttempt",
		EntityID:   token,
		Component:  componentTokens,
		ClientIP:   clientIP,
	}
	values := map[string]string{"Path": path, "Token": token, "EndpointGroup": group}

	switch d.Reason {
	case service.ReasonGranted:
		zlog.Info().Str("path", path).Str("group", group).Str("method", method).Msg("Token validated")
		entry.EntityType = "TokenValidationSuccess"
		entry.Action = fmt.Sprintf("TokenValidated_ForGroup:%s_Method:%s", group, method)
		values["Method"] = method
	case service.ReasonMethodNotAllowed:
		zlog.Warn().Str("path", path).Str("group", group).Str("method", method).Strs("allowed", d.AllowedMethods).Msg("HTTP method not allowed for token")
		entry.Action = fmt.Sprintf("HttpMethodNotAllowed_ForGroup:%s_Method:%s", group, method)
		values["RequestedMethod"] = method
		values["AllowedMethods"] = strings.Join(d.AllowedMethods, ",")
	case service.ReasonPermissionConfigInconsistency:
		zlog.Error().Str("path", path).Str("group", group).Msg("Permission row has no allowed HTTP methods")
		entry.EntityType = "TokenPermissionError"
		entry.Action = "MissingHttpMethodPermissions_ForGroup:" + group
	default:
		zlog.Warn().Str("path", path).Str("group", group).Str("reason", string(d.Reason)).Msg("Token rejected")
		entry.Action = fmt.Sprintf("%s_ForGroup:%s", d.Reason, group)
	}
	entry.NewValue = values
	h.deps.Audit.Record(entry)
}

// AdminAuthMiddleware checks the admin bearer token against the configured
// bcrypt hash.
func (h *APIHandler) AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.deps.Admin == nil || !h.deps.Admin.Enabled() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Admin API is disabled."})
			return
		}
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || h.deps.Admin.Verify(token) != nil {
			zlog.Warn().Str("client_ip", c.ClientIP()).Str("path", c.Request.URL.Path).Msg("Admin authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func (h *APIHandler) MetricsAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ipAllowed(c.ClientIP(), h.cfg.MetricsAllowedIPs) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Access denied"})
			return
		}
		c.Next()
	}
}

// ipAllowed reports whether ipStr is listed in allowed, a comma separated
// list of addresses and CIDR prefixes. An empty list allows nobody.
func ipAllowed(ipStr, allowed string) bool {
	ip, ok := service.NormalizeIP(ipStr)
	if !ok {
		return false
	}
	addr := netip.MustParseAddr(ip)
	for _, entry := range strings.Split(allowed, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if other, ok := service.NormalizeIP(entry); ok && other == ip {
			return true
		}
	}
	return false
}
