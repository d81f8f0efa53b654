package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/postpulse/postpulse/internal/analytics"
	"github.com/postpulse/postpulse/internal/api"
	"github.com/postpulse/postpulse/internal/auth"
	"github.com/postpulse/postpulse/internal/billing"
	"github.com/postpulse/postpulse/internal/breaker"
	"github.com/postpulse/postpulse/internal/config"
	"github.com/postpulse/postpulse/internal/database"
	"github.com/postpulse/postpulse/internal/gate"
	"github.com/postpulse/postpulse/internal/generate"
	"github.com/postpulse/postpulse/internal/llm"
	"github.com/postpulse/postpulse/internal/metrics"
	"github.com/postpulse/postpulse/internal/middleware"
	"github.com/postpulse/postpulse/internal/quota"
	"github.com/postpulse/postpulse/pkg/cache"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  PostPulse - AI LinkedIn Content API")
	fmt.Println("==============================================")

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("Starting server on port %s...\n", cfg.Port)

	// Initialize database connection. Without it the credit ledger fails
	// closed, so authenticated generation is unavailable but guest access
	// and health checks still work.
	db, err := database.New(cfg.DSN())
	if err != nil {
		log.Printf("WARNING: Database unavailable (%v). Authenticated generation is disabled.", err)
		db = nil
	} else {
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Printf("Database connected and migrations applied (%s).", cfg.RedactedDSN())
	}

	// Initialize Redis. Guest quotas fail open without it.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	redisCache, err := cache.New(ctx, cfg.RedisAddr(), cfg.RedisPassword)
	if err != nil {
		log.Printf("WARNING: Redis unavailable (%v). Guest quotas are permissive.", err)
		redisCache = nil
	} else {
		defer redisCache.Close()
	}

	// Token verifier against the identity provider's JWKS.
	var verifier gate.TokenVerifier
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWTVerifier(cfg.JWKSURL, cfg.AuthIssuer, cfg.AuthAudience)
		if err != nil {
			log.Fatalf("Failed to initialize token verifier: %v", err)
		}
		verifier = v
	} else {
		log.Println("WARNING: AUTH_JWKS_URL not set. Authenticated requests will be rejected.")
	}

	// Assemble the admission gate and generation pipeline. The quota
	// constructors tolerate nil backends with their documented fail-open
	// and fail-closed policies.
	var counterStore quota.CounterStore
	var breakerStore breaker.Store
	var contentCache generate.ContentCache
	if redisCache != nil {
		counterStore = redisCache
		breakerStore = redisCache
		contentCache = redisCache
	}
	var profileStore quota.ProfileStore
	var recorder generate.Recorder
	var billingStore billing.ProfileStore
	var apiStore api.Store
	if db != nil {
		profileStore = db
		recorder = db
		billingStore = db
		apiStore = db
	}

	var insightsEngine *analytics.InsightsEngine
	if db != nil {
		insightsEngine = analytics.NewInsightsEngine(db.Pool)
	} else {
		insightsEngine = analytics.NewInsightsEngine(nil)
	}

	usageGate := gate.New(quota.NewGuestTracker(counterStore), quota.NewLedger(profileStore), verifier)
	llmClient := llm.NewClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, breaker.New(breakerStore))
	genHandlers := generate.NewHandlers(usageGate, llmClient, recorder, contentCache)
	apiHandlers := api.NewHandlers(apiStore, verifier)
	webhookHandler := billing.NewHandler(billingStore, cfg.BillingWebhookSecret)
	if cfg.BillingWebhookSecret == "" {
		log.Println("WARNING: BILLING_WEBHOOK_SECRET not set. All webhook deliveries will be rejected.")
	}

	// Set up Gin router.
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggingMiddleware())

	// CORS for the web frontend.
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", apiHandlers.HealthCheck)
	r.GET("/metrics", metrics.Handler())

	// Billing webhooks. Authenticated by signature, not by middleware.
	r.POST("/webhooks/billing", webhookHandler.HandleWebhook)

	v1 := r.Group("/api/v1")

	// Generation endpoints: rate limited per IP in front of the quota gate.
	gen := v1.Group("/generate")
	gen.Use(middleware.RateLimitMiddleware(redisCache, cfg.RateLimitMax, cfg.RateLimitWindow))
	{
		gen.POST("/hook", genHandlers.GenerateHooks)
		gen.POST("/post", genHandlers.GeneratePost)
		gen.POST("/profile", genHandlers.OptimizeProfile)
		gen.POST("/trends", genHandlers.AnalyzeTrends)
	}

	v1.GET("/me/usage", apiHandlers.MyUsage)

	// Admin routes. Fail-secure: an unset key disables the surface.
	admin := v1.Group("/admin")
	admin.Use(middleware.AdminAuthMiddleware(cfg.AdminAPIKey))
	if cfg.AdminAPIKey == "" {
		log.Println("WARNING: POSTPULSE_ADMIN_API_KEY not set. Admin API is disabled (fail-secure).")
	}
	{
		admin.GET("/profiles/:id", apiHandlers.GetProfile)
		admin.GET("/usage/summary", apiHandlers.GetUsageSummary)

		admin.GET("/insights", func(c *gin.Context) {
			spikes, err := insightsEngine.DetectTrafficSpikes(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			errRates, err := insightsEngine.DetectErrorRates(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			all := append(spikes, errRates...)
			c.JSON(http.StatusOK, gin.H{"count": len(all), "data": all})
		})

		admin.GET("/report", func(c *gin.Context) {
			report, err := insightsEngine.GenerateReport(c.Request.Context(),
				time.Now().AddDate(0, -1, 0), time.Now())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if report == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics unavailable"})
				return
			}
			c.JSON(http.StatusOK, report)
		})
	}

	// Start HTTP server with graceful shutdown.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("PostPulse API is ready on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited.")
}
