package hardening

import (
	"strings"
	"testing"
)

func TestValidateProduction(t *testing.T) {
	base := Options{
		Environment:        "production",
		StrictProdSecurity: "true",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		CORSAllowedOrigins: "https://market.example.com",
		RequiredSecrets: []Secret{
			{Name: "TOKEN_SECRET", Value: "secret"},
			{Name: "AUDIT_HASH_SALT", Value: "salt"},
		},
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("skipped outside production", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.DatabaseRequireTLS = "false"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("dev must be exempt, got %v", err)
		}
	})

	t.Run("strict mode can be disabled", func(t *testing.T) {
		o := base
		o.StrictProdSecurity = "false"
		o.DatabaseRequireTLS = ""
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("relaxed mode must pass, got %v", err)
		}
	})

	t.Run("requires database tls", func(t *testing.T) {
		o := base
		o.DatabaseRequireTLS = ""
		if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "DATABASE_REQUIRE_TLS") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("requires redis tls when redis configured", func(t *testing.T) {
		o := base
		o.RedisRequireTLS = ""
		if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("forbids insecure redis tls", func(t *testing.T) {
		o := base
		o.RedisAllowInsecureTLS = "true"
		if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "REDIS_TLS_INSECURE") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("no redis means no redis checks", func(t *testing.T) {
		o := base
		o.RedisAddr = ""
		o.RedisRequireTLS = ""
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("forbids wildcard cors", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "wildcard") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("forbids localhost cors", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = "http://localhost:3000"
		if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "localhost") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("requires https cors", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = "http://market.example.com"
		if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "HTTPS") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("requires explicit cors", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = " , "
		if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "CORS_ALLOWED_ORIGINS") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("requires named secrets", func(t *testing.T) {
		o := base
		o.RequiredSecrets = []Secret{{Name: "TOKEN_SECRET", Value: " "}}
		if err := ValidateProduction(o); err == nil || !strings.Contains(err.Error(), "TOKEN_SECRET") {
			t.Fatalf("err = %v", err)
		}
	})
}
