// Package generate hosts the HTTP handlers for the four AI content tools.
// Every handler runs the usage gate before anything expensive happens, then
// calls the AI provider and records request metadata best-effort.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/postpulse/postpulse/internal/gate"
	"github.com/postpulse/postpulse/internal/llm"
	"github.com/postpulse/postpulse/internal/metrics"
	"github.com/postpulse/postpulse/pkg/models"
)

// trendsCacheTTL bounds how long an industry trend analysis is reused.
// Trends shift slowly; admission is still charged per request.
const trendsCacheTTL = time.Hour

// Completer produces a completion for a system+user prompt pair.
// Implemented by the llm client.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// Recorder persists generation request metadata. Implemented by the
// PostgreSQL layer; a nil Recorder disables recording.
type Recorder interface {
	InsertGeneration(ctx context.Context, req *models.GenerationRequest) error
}

// ContentCache caches reusable generation output. Implemented by the Redis
// cache; a nil ContentCache disables caching.
type ContentCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
}

// Handlers bundles the dependencies shared by the tool endpoints.
type Handlers struct {
	gate  *gate.Gate
	llm   Completer
	store Recorder
	cache ContentCache
}

// NewHandlers creates the generation handlers. store and cache may be nil.
func NewHandlers(g *gate.Gate, completer Completer, store Recorder, cache ContentCache) *Handlers {
	return &Handlers{gate: g, llm: completer, store: store, cache: cache}
}

type hookRequest struct {
	Topic    string `json:"topic" binding:"required"`
	Audience string `json:"audience"`
}

type postRequest struct {
	Topic    string `json:"topic" binding:"required"`
	Tone     string `json:"tone"`
	Audience string `json:"audience"`
}

type profileRequest struct {
	Headline string `json:"headline"`
	About    string `json:"about"`
}

type trendsRequest struct {
	Industry string `json:"industry" binding:"required"`
}

// GenerateHooks handles POST /api/v1/generate/hook.
func (h *Handlers) GenerateHooks(c *gin.Context) {
	var req hookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}
	system := "You are an expert LinkedIn copywriter. You write short, punchy opening lines that stop the scroll. Return the hooks as a numbered list with no commentary."
	user := fmt.Sprintf("Write 5 scroll-stopping hooks for a LinkedIn post about: %s.", req.Topic)
	if req.Audience != "" {
		user += fmt.Sprintf(" The audience is %s.", req.Audience)
	}
	h.generate(c, models.ToolHook, system, user, "")
}

// GeneratePost handles POST /api/v1/generate/post.
func (h *Handlers) GeneratePost(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}
	tone := req.Tone
	if tone == "" {
		tone = "professional"
	}
	system := "You are an expert LinkedIn ghostwriter. You write posts with a strong hook, short paragraphs, and a closing question. Return only the post text."
	user := fmt.Sprintf("Write a LinkedIn post about: %s. Use a %s tone.", req.Topic, tone)
	if req.Audience != "" {
		user += fmt.Sprintf(" The audience is %s.", req.Audience)
	}
	h.generate(c, models.ToolPost, system, user, "")
}

// OptimizeProfile handles POST /api/v1/generate/profile. Sign-in only.
func (h *Handlers) OptimizeProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Headline == "" && req.About == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "headline or about is required"})
		return
	}
	system := "You are a LinkedIn profile optimization expert. Rewrite the provided sections to be specific, outcome-focused, and keyword-rich. Return each rewritten section under its original heading."
	var parts []string
	if req.Headline != "" {
		parts = append(parts, "Headline:\n"+req.Headline)
	}
	if req.About != "" {
		parts = append(parts, "About:\n"+req.About)
	}
	user := "Optimize the following LinkedIn profile sections:\n\n" + strings.Join(parts, "\n\n")
	h.generate(c, models.ToolProfile, system, user, "")
}

// AnalyzeTrends handles POST /api/v1/generate/trends. Sign-in only.
// Results are cached per industry because the analysis is not personalized.
func (h *Handlers) AnalyzeTrends(c *gin.Context) {
	var req trendsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "industry is required"})
		return
	}
	system := "You are a LinkedIn content strategist. You identify what content formats and topics are currently performing in a given industry. Return a concise analysis with concrete post ideas."
	user := fmt.Sprintf("What LinkedIn content trends are working right now in the %s industry? Suggest 3 post ideas that ride those trends.", req.Industry)
	h.generate(c, models.ToolTrends, system, user, trendsCacheKey(req.Industry))
}

func trendsCacheKey(industry string) string {
	slug := strings.ToLower(strings.TrimSpace(industry))
	slug = strings.ReplaceAll(slug, " ", "-")
	return "trends:" + slug
}

// generate is the shared pipeline: gate, optional cache, LLM call, metadata
// record, response. cacheKey is empty for tools whose output is caller-specific.
func (h *Handlers) generate(c *gin.Context, tool models.Tool, system, user, cacheKey string) {
	ctx := c.Request.Context()
	start := time.Now()

	res := h.gate.Enforce(ctx, c.Request, tool)
	if !res.Allowed {
		metrics.AdmissionDecisions.WithLabelValues(string(tool), "denied", string(res.Reason)).Inc()
		c.JSON(res.Status, gin.H{
			"error": string(res.Reason),
			"used":  res.Used,
			"limit": res.Limit,
		})
		return
	}
	metrics.AdmissionDecisions.WithLabelValues(string(tool), "allowed", "").Inc()

	if cacheKey != "" && h.cache != nil {
		if cached, err := h.cache.Get(ctx, cacheKey); err == nil && cached != "" {
			h.record(tool, res, time.Since(start), http.StatusOK)
			h.respond(c, tool, res, cached)
			return
		}
	}

	content, err := h.llm.Complete(ctx, system, user)
	if err != nil {
		status := http.StatusBadGateway
		code := "GENERATION_FAILED"
		if errors.Is(err, llm.ErrUnavailable) {
			status = http.StatusServiceUnavailable
			code = "AI_PROVIDER_UNAVAILABLE"
		}
		log.Printf("[ERROR] generate: %s failed: %v", tool, err)
		h.record(tool, res, time.Since(start), status)
		c.JSON(status, gin.H{"error": code})
		return
	}

	if cacheKey != "" && h.cache != nil {
		if err := h.cache.Set(ctx, cacheKey, content, trendsCacheTTL); err != nil {
			log.Printf("[WARN] generate: caching %s result: %v", tool, err)
		}
	}

	elapsed := time.Since(start)
	metrics.GenerationDuration.WithLabelValues(string(tool)).Observe(elapsed.Seconds())
	h.record(tool, res, elapsed, http.StatusOK)
	h.respond(c, tool, res, content)
}

func (h *Handlers) respond(c *gin.Context, tool models.Tool, res gate.Result, content string) {
	body := gin.H{
		"tool":    tool,
		"content": content,
		"usage": gin.H{
			"used":  res.Used,
			"limit": res.Limit,
			"pro":   res.Pro,
		},
	}
	if res.Note != "" {
		body["warning"] = res.Note
	}
	c.JSON(http.StatusOK, body)
}

// record persists request metadata. Failures are logged, never surfaced:
// analytics must not break generation.
func (h *Handlers) record(tool models.Tool, res gate.Result, elapsed time.Duration, status int) {
	if h.store == nil {
		return
	}
	req := &models.GenerationRequest{
		ID:         uuid.New().String(),
		Tool:       tool,
		UserID:     res.Identity.UserID,
		Guest:      res.Identity.Kind == gate.IdentityGuest,
		Model:      h.llm.Model(),
		LatencyMs:  elapsed.Milliseconds(),
		StatusCode: status,
		Timestamp:  time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.store.InsertGeneration(ctx, req); err != nil {
		log.Printf("[WARN] generate: recording %s request: %v", tool, err)
	}
}
