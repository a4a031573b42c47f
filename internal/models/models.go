package models

import "time"

// RoutePattern is one row of the route-classification table.
type RoutePattern struct {
	ID            int64  `json:"id" db:"id"`
	PathPattern   string `json:"path_pattern" db:"path_pattern"`
	GroupID       int64  `json:"group_id" db:"group_id"`
	GroupName     string `json:"group_name" db:"group_name"`
	MatchOrder    int    `json:"match_order" db:"match_order"`
	RequiresToken bool   `json:"requires_token" db:"requires_token"`
}

type EndpointClassification struct {
	GroupName      string `json:"group_name"`
	RequiresToken  bool   `json:"requires_token"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
}

type BlockEntry struct {
	IPAddress    string     `json:"ip_address" db:"ip_address"`
	Reason       string     `json:"reason" db:"reason"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty" db:"blocked_until"` // nil means permanent
	CreatedBy    string     `json:"created_by" db:"created_by"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// IsActive reports whether the block applies at now.
func (b BlockEntry) IsActive(now time.Time) bool {
	return b.BlockedUntil == nil || b.BlockedUntil.After(now)
}

type APIToken struct {
	ID          int64      `json:"id" db:"id"`
	TokenValue  string     `json:"-" db:"token_value"`
	Description string     `json:"description" db:"description"`
	OwnerName   string     `json:"owner_name" db:"owner_name"`
	IsEnabled   bool       `json:"is_enabled" db:"is_enabled"`
	DoesExpire  bool       `json:"does_expire" db:"does_expire"`
	ExpiresAt   *time.Time `json:"expires_at" db:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at" db:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

type TokenPermission struct {
	TokenID            int64  `json:"token_id" db:"token_id"`
	GroupID            int64  `json:"group_id" db:"group_id"`
	GroupName          string `json:"group_name" db:"group_name"`
	AllowedHTTPMethods string `json:"allowed_http_methods" db:"allowed_http_methods"` // comma separated
}

// TokenGrant is a token together with its permission row for one group,
// read in a single statement. Permission is nil when no row exists.
type TokenGrant struct {
	Token      APIToken
	Permission *TokenPermission
}

type RequestLog struct {
	ID                   int64     `json:"id" db:"id"`
	RequestID            string    `json:"request_id" db:"request_id"`
	TimestampUTC         time.Time `json:"timestamp_utc" db:"timestamp_utc"`
	ClientIP             string    `json:"client_ip" db:"client_ip"`
	HTTPMethod           string    `json:"http_method" db:"http_method"`
	RequestPath          string    `json:"request_path" db:"request_path"`
	QueryString          string    `json:"query_string" db:"query_string"`
	RequestHeaders       string    `json:"request_headers" db:"request_headers"`
	RequestBodyPreview   string    `json:"request_body_preview" db:"request_body_preview"`
	RequestSizeBytes     *int64    `json:"request_size_bytes" db:"request_size_bytes"`
	TokenIDUsed          *int64    `json:"token_id_used" db:"token_id_used"`
	WasTokenValid        *bool     `json:"was_token_valid" db:"was_token_valid"`
	EndpointGroup        string    `json:"endpoint_group" db:"endpoint_group"`
	BackendTargetURL     string    `json:"backend_target_url" db:"backend_target_url"`
	ResponseStatusCode   int       `json:"response_status_code" db:"response_status_code"`
	ResponseHeaders      string    `json:"response_headers" db:"response_headers"`
	ResponseBodyPreview  string    `json:"response_body_preview" db:"response_body_preview"`
	ResponseSizeBytes    *int64    `json:"response_size_bytes" db:"response_size_bytes"`
	DurationMs           int64     `json:"duration_ms" db:"duration_ms"`
	ProxyProcessingError *string   `json:"proxy_processing_error" db:"proxy_processing_error"`
	UserAgent            string    `json:"user_agent" db:"user_agent"`
	GeoCountry           string    `json:"geo_country" db:"geo_country"`
	GeoCity              string    `json:"geo_city" db:"geo_city"`
}

type AuditEvent struct {
	ID                int64     `json:"id" db:"id"`
	TimestampUTC      time.Time `json:"timestamp_utc" db:"timestamp_utc"`
	UserID            string    `json:"user_id" db:"user_id"`
	EntityType        string    `json:"entity_type" db:"entity_type"`
	EntityID          string    `json:"entity_id" db:"entity_id"`
	Action            string    `json:"action" db:"action"`
	OldValues         *string   `json:"old_values" db:"old_values"`
	NewValues         *string   `json:"new_values" db:"new_values"`
	AffectedComponent string    `json:"affected_component" db:"affected_component"`
	IPAddress         string    `json:"ip_address" db:"ip_address"`
}

// TrafficBucket holds the SQL-side aggregates of one (group, method) bucket.
type TrafficBucket struct {
	GroupID            int64   `db:"group_id"`
	GroupName          string  `db:"group_name"`
	HTTPMethod         string  `db:"http_method"`
	RequestCount       int64   `db:"request_count"`
	Error4xxCount      int64   `db:"error_4xx_count"`
	Error5xxCount      int64   `db:"error_5xx_count"`
	AvgDurationMs      float64 `db:"avg_duration_ms"`
	TotalRequestBytes  int64   `db:"total_request_bytes"`
	TotalResponseBytes int64   `db:"total_response_bytes"`
	UniqueClientIPs    int64   `db:"unique_client_ips"`
}

type TrafficSummary struct {
	ID                 int64     `json:"id" db:"id"`
	WindowStart        time.Time `json:"window_start" db:"window_start"`
	GroupID            int64     `json:"group_id" db:"group_id"`
	HTTPMethod         string    `json:"http_method" db:"http_method"`
	RequestCount       int64     `json:"request_count" db:"request_count"`
	Error4xxCount      int64     `json:"error_4xx_count" db:"error_4xx_count"`
	Error5xxCount      int64     `json:"error_5xx_count" db:"error_5xx_count"`
	AvgDurationMs      float64   `json:"avg_duration_ms" db:"avg_duration_ms"`
	P95DurationMs      *int64    `json:"p95_duration_ms" db:"p95_duration_ms"`
	TotalRequestBytes  int64     `json:"total_request_bytes" db:"total_request_bytes"`
	TotalResponseBytes int64     `json:"total_response_bytes" db:"total_response_bytes"`
	UniqueClientIPs    int64     `json:"unique_client_ips" db:"unique_client_ips"`
}

type BackendDestination struct {
	ID              int64  `json:"id" db:"id"`
	GroupName       string `json:"group_name" db:"group_name"`
	Address         string `json:"address" db:"address"`
	HealthCheckPath string `json:"health_check_path" db:"health_check_path"`
}
