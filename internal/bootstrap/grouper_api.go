package bootstrap

import (
	"strings"

	"grouper_server/adapter/in/http"
	"grouper_server/core/port/out"
	"grouper_server/infra/middleware"
	"grouper_server/pkg/logger"
	"grouper_server/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the HTTP application over deps.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		// Batch endpoints carry up to 100 emails.
		BodyLimit: 10 * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.Recover())
	app.Use(middleware.SecurityHeaders())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// AllowCredentials requires explicit origins.
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset,Retry-After",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// No auth
	http.NewHealthHandler(deps.Checks()).Register(app)
	http.RegisterMetrics(app)

	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(middleware.AuthConfig{
		Secret:      cfg.JWTSecret,
		Issuer:      cfg.JWTIssuer,
		Revocations: middleware.NewTokenRevocations(deps.Redis),
	}))
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, every API request will be rejected")
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
	if deps.Redis != nil {
		limiter.WithShared(ratelimit.NewSlidingWindowLimiter(deps.Redis, cfg.RedisPrefix, cfg.RateLimit, cfg.RateWindow))
	}
	audit := middleware.NewAuditLogger(deps.Redis)

	var logs out.ExtractionLogReader
	if deps.ExtractionLog != nil {
		logs = deps.ExtractionLog
	}

	http.NewGroupingHandler(deps.Extractor, deps.Similarity, deps.Project, deps.Grouping, logs).
		Register(api, limiter.Handler())
	http.NewProjectHandler(deps.Project).Register(api)

	http.NewLearningHandler(deps.Learning, deps.LearnQueue()).Register(api, audit.Audit("corrections"))

	http.NewThresholdHandler(deps.Thresholds).
		Register(api, middleware.AdminOnly(), audit.Audit("thresholds.update"))
	http.NewScanHandler(deps.Scan).Register(api, audit.Audit("scans"))

	return app
}
