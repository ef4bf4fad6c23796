package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"nodegate/pkg/assets"
	"nodegate/pkg/audit"
	"nodegate/pkg/claims"
	"nodegate/pkg/hardening"
	"nodegate/pkg/httpx"
	"nodegate/pkg/keys"
	"nodegate/pkg/ledger"
	"nodegate/pkg/metrics"
	"nodegate/pkg/policy"
	"nodegate/pkg/ratelimit"
	"nodegate/pkg/store"
	"nodegate/pkg/stream"
	"nodegate/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

const serviceVersion = "1.2.0"

type Server struct {
	Keeper              ledger.Keeper
	Engine              *policy.Engine
	Gate                *assets.Gate
	Backends            *assets.Registry
	Provider            *keys.Provider
	Tokens              *claims.Signer
	TokenTTL            time.Duration
	Cache               store.Cache
	Audit               auditStore
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Bus                 eventPublisher
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerWindow  int
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
}

type auditStore interface {
	AppendDecision(ctx context.Context, rec audit.Decision) error
	AppendUpload(ctx context.Context, rec audit.Upload) error
	GetDecision(ctx context.Context, decisionID string) (audit.Decision, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, evt stream.Event) error
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (auditDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

type auditDBCloser interface {
	audit.DB
	Close()
}

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (auditDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	if err := hardening.ValidateProduction(hardening.Options{
		Environment:           env("ENVIRONMENT", ""),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", ""),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.Secret{
			{Name: "TOKEN_SECRET", Value: env("TOKEN_SECRET", "")},
			{Name: "PROVIDER_PASSWORD", Value: env("PROVIDER_PASSWORD", "")},
			{Name: "AUDIT_HASH_SALT", Value: env("AUDIT_HASH_SALT", "")},
		},
	}); err != nil {
		return err
	}
	shutdown, err := initTelemetry(ctx, "nodegate")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	provider, err := keys.Load(keys.Config{
		ProviderKeyfile:  env("PROVIDER_KEYFILE", ""),
		ProviderPassword: env("PROVIDER_PASSWORD", ""),
		RSAPrivkeyFile:   env("RSA_PRIVKEY_FILE", ""),
		RSAPubkeyFile:    env("RSA_PUBKEY_FILE", ""),
		BabyjubPublicX:   env("BABYJUB_PUBLIC_X", ""),
		BabyjubPublicY:   env("BABYJUB_PUBLIC_Y", ""),
	})
	if err != nil {
		return fmt.Errorf("provider keys: %w", err)
	}
	signer, err := claims.NewSigner(env("TOKEN_SECRET", ""))
	if err != nil {
		return fmt.Errorf("token signer: %w", err)
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("KEEPER_TIMEOUT_MS", 5000))})
	keeper := &ledger.Client{
		HTTP:       httpClient,
		BaseURL:    strings.TrimRight(env("KEEPER_URL", "http://localhost:8545"), "/"),
		Headers:    authHeaderMap(env("KEEPER_AUTH_HEADER", ""), env("KEEPER_AUTH_TOKEN", "")),
		Retries:    envInt("KEEPER_RETRIES", 1),
		RetryDelay: time.Millisecond * time.Duration(envInt("KEEPER_RETRY_DELAY_MS", 50)),
	}

	backends := assets.NewRegistry()
	backends.Register(assets.BackendIPFS, assets.NewIPFS(
		env("IPFS_URL", "http://localhost:5001"),
		env("IPFS_GATEWAY", "https://ipfs.io"),
		nil,
	))
	if endpoint := env("FILECOIN_URL", ""); endpoint != "" {
		backends.Register(assets.BackendFilecoin, assets.NewFilecoin(
			endpoint,
			env("FILECOIN_TOKEN", ""),
			env("FILECOIN_GATEWAY", "https://api.estuary.tech"),
			httpClient,
		))
	}
	if env("S3_ENDPOINT", "") != "" {
		s3backend, err := assets.NewS3(assets.S3Config{
			Endpoint:  env("S3_ENDPOINT", ""),
			AccessKey: env("S3_ACCESS_KEY", ""),
			SecretKey: env("S3_SECRET_KEY", ""),
			Bucket:    env("S3_BUCKET", "nodegate-assets"),
			Secure:    env("S3_USE_SSL", "true") == "true",
			SignedTTL: time.Second * time.Duration(envInt("S3_SIGNED_URL_TTL_SEC", 3600)),
		})
		if err != nil {
			return fmt.Errorf("s3 backend: %w", err)
		}
		backends.Register(assets.BackendS3, s3backend)
	}
	backends.Register("http", assets.NewHTTPFetcher(httpClient))

	engine := policy.NewEngine(keeper, provider.Address())

	s := &Server{
		Keeper:   keeper,
		Engine:   engine,
		Gate:     &assets.Gate{Keeper: keeper, Backends: backends},
		Backends: backends,
		Provider: provider,
		Tokens:   signer,
		TokenTTL: time.Second * time.Duration(envInt("TOKEN_TTL_SEC", 3600)),
		Cache:    cache,
		Audit: &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   strings.EqualFold(env("AUDIT_REDACT", "false"), "true"),
		},
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerWindow:  envInt("RATE_LIMIT_PER_WINDOW", 120),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 4<<20)),
		MaxUploadBytes:      int64(envInt("MAX_UPLOAD_BYTES", 32<<20)),
	}
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		bus, err := stream.NewKafkaPublisher(stream.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "nodegate.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer bus.Close()
		s.Bus = bus
	}

	r := s.routes()

	addr := env("ADDR", ":8030")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 30),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 120),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("nodegate"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "nodegate"})
	})
	r.Get("/", s.handleInfo)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/v1/stream", s.streamEvents)

	r.Route("/api/v1/node/services", func(r chi.Router) {
		r.Post("/oauth/token", s.handleToken)
		r.Get("/decisions/{decision_id}", s.handleDecision)
		r.Post("/nft-transfer", s.handleNFTTransfer)
		r.Post("/upload/{backend}", s.handleUpload)
		r.Post("/encrypt", s.handleEncrypt)

		r.Group(func(r chi.Router) {
			r.Use(s.bearerMiddleware)
			r.Get("/access/{agreement_id}/{index}", s.handleAccess)
			r.Get("/download/{index}", s.handleDownload)
			r.Get("/nft-access/{agreement_id}/{index}", s.handleNFTAccess)
			r.Post("/nft-sales-proof", s.handleNFTSalesProof)
		})
	})
	return r
}

type identityKey struct{}

// bearerMiddleware verifies the gateway-issued token and stores the
// caller identity on the request context.
func (s *Server) bearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if raw == "" || !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			httpx.Error(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		identity, err := s.Tokens.VerifyBearer(raw[len("bearer "):], time.Now().UTC())
		if err != nil {
			log.Printf("bearer rejected: %v", err)
			httpx.Error(w, http.StatusUnauthorized, "bearer token invalid")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func identityFromContext(ctx context.Context) (claims.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(claims.Identity)
	return identity, ok
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.MaxRequestBodyBytes
		if strings.Contains(r.URL.Path, "/upload/") && s.MaxUploadBytes > limit {
			limit = s.MaxUploadBytes
		}
		if limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// publishEvent fans out to the in-proc hub and, when configured, the
// kafka topic. Bus failures are logged, never surfaced to the caller.
func (s *Server) publishEvent(evt stream.Event) {
	if s.Events != nil {
		s.Events.Publish(evt)
	}
	if s.Bus != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Bus.Publish(ctx, evt); err != nil {
				log.Printf("event publish: %v", err)
			}
		}()
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func authHeaderMap(header, token string) map[string]string {
	header = strings.TrimSpace(header)
	token = strings.TrimSpace(token)
	if header == "" || token == "" {
		return nil
	}
	return map[string]string{header: token}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
