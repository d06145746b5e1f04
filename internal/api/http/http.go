package http

import "github.com/EternisAI/silo-gate/internal/api/http/middleware"

const DefaultProtectedPrefix = "/secure/"

type Config struct {
	Port            uint                       `mapstructure:"port"`
	ProtectedPrefix string                     `mapstructure:"protected_prefix"`
	IssueRateLimit  middleware.RateLimitConfig `mapstructure:"issue_rate_limit"`
	CORSOrigins     []string                   `mapstructure:"cors_origins"`
}
