package generate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/postpulse/postpulse/internal/gate"
	"github.com/postpulse/postpulse/internal/llm"
	"github.com/postpulse/postpulse/internal/quota"
	"github.com/postpulse/postpulse/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memCounterStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemCounterStore() *memCounterStore {
	return &memCounterStore{counts: make(map[string]int64)}
}

func (s *memCounterStore) CheckAndConsume(_ context.Context, key string, limit int64, _ time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[key] >= limit {
		return s.counts[key], false, nil
	}
	s.counts[key]++
	return s.counts[key], true, nil
}

type memProfileStore struct {
	mu       sync.Mutex
	profiles map[string]*models.UserProfile
}

func newMemProfileStore() *memProfileStore {
	return &memProfileStore{profiles: make(map[string]*models.UserProfile)}
}

func (s *memProfileStore) EnsureProfile(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[userID]; !ok {
		s.profiles[userID] = &models.UserProfile{ID: userID}
	}
	return nil
}

func (s *memProfileStore) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *s.profiles[userID]
	return &p, nil
}

func (s *memProfileStore) ConsumeCredit(_ context.Context, userID string, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profiles[userID]
	if p.IsPro || p.CreditsUsed >= limit {
		return p.CreditsUsed, false, nil
	}
	p.CreditsUsed++
	return p.CreditsUsed, true, nil
}

type stubVerifier struct {
	tokens map[string]string
}

func (v *stubVerifier) Verify(_ context.Context, token string) (string, error) {
	if userID, ok := v.tokens[token]; ok {
		return userID, nil
	}
	return "", errors.New("invalid token")
}

// stubCompleter returns a canned completion and counts calls.
type stubCompleter struct {
	mu      sync.Mutex
	calls   int
	content string
	err     error
}

func (s *stubCompleter) Complete(context.Context, string, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.content, nil
}

func (s *stubCompleter) Model() string { return "test-model" }

func (s *stubCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type memRecorder struct {
	mu   sync.Mutex
	rows []*models.GenerationRequest
}

func (r *memRecorder) InsertGeneration(_ context.Context, req *models.GenerationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, req)
	return nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]string)}
}

func (c *memCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

type fixture struct {
	router    *gin.Engine
	completer *stubCompleter
	recorder  *memRecorder
	cache     *memCache
	profiles  *memProfileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	completer := &stubCompleter{content: "generated text"}
	recorder := &memRecorder{}
	cache := newMemCache()
	profiles := newMemProfileStore()
	g := gate.New(
		quota.NewGuestTracker(newMemCounterStore()),
		quota.NewLedger(profiles),
		&stubVerifier{tokens: map[string]string{"valid-token": "user-1"}},
	)
	h := NewHandlers(g, completer, recorder, cache)

	router := gin.New()
	router.POST("/api/v1/generate/hook", h.GenerateHooks)
	router.POST("/api/v1/generate/post", h.GeneratePost)
	router.POST("/api/v1/generate/profile", h.OptimizeProfile)
	router.POST("/api/v1/generate/trends", h.AnalyzeTrends)
	return &fixture{router: router, completer: completer, recorder: recorder, cache: cache, profiles: profiles}
}

func (f *fixture) post(t *testing.T, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var parsed map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshaling response %q: %v", w.Body.String(), err)
	}
	return w, parsed
}

func TestGenerateHooks_GuestAllowedThenLimited(t *testing.T) {
	f := newFixture(t)
	guest := map[string]string{"X-Forwarded-For": "203.0.113.7"}

	w, body := f.post(t, "/api/v1/generate/hook", `{"topic":"remote work"}`, guest)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body["content"] != "generated text" {
		t.Errorf("unexpected content %v", body["content"])
	}
	usage := body["usage"].(map[string]any)
	if usage["used"].(float64) != 1 || usage["limit"].(float64) != 1 {
		t.Errorf("unexpected usage %v", usage)
	}

	w, body = f.post(t, "/api/v1/generate/hook", `{"topic":"remote work"}`, guest)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if body["error"] != "GUEST_LIMIT_REACHED" {
		t.Errorf("unexpected error code %v", body["error"])
	}
	if f.completer.callCount() != 1 {
		t.Errorf("expected no LLM call on denial, got %d calls", f.completer.callCount())
	}
}

func TestGenerateHooks_MissingTopic(t *testing.T) {
	f := newFixture(t)

	w, _ := f.post(t, "/api/v1/generate/hook", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	// Validation runs before admission, so no quota was consumed.
	w, _ = f.post(t, "/api/v1/generate/hook", `{"topic":"x"}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 after validation failure, got %d", w.Code)
	}
}

func TestGeneratePost_RecordsMetadata(t *testing.T) {
	f := newFixture(t)

	w, _ := f.post(t, "/api/v1/generate/post", `{"topic":"hiring"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.8"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(f.recorder.rows) != 1 {
		t.Fatalf("expected 1 recorded row, got %d", len(f.recorder.rows))
	}
	row := f.recorder.rows[0]
	if row.Tool != models.ToolPost || !row.Guest || row.UserID != "" {
		t.Errorf("unexpected row %+v", row)
	}
	if row.Model != "test-model" || row.StatusCode != http.StatusOK {
		t.Errorf("unexpected row %+v", row)
	}
}

func TestTrends_SignInOnly(t *testing.T) {
	f := newFixture(t)

	w, body := f.post(t, "/api/v1/generate/trends", `{"industry":"fintech"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for guest on a sign-in-only tool, got %d", w.Code)
	}
	if body["error"] != "GUEST_LIMIT_REACHED" || body["limit"].(float64) != 0 {
		t.Errorf("unexpected denial body %v", body)
	}
	if f.completer.callCount() != 0 {
		t.Errorf("expected no LLM call, got %d", f.completer.callCount())
	}
}

func TestTrends_CachedPerIndustry(t *testing.T) {
	f := newFixture(t)
	auth := map[string]string{"Authorization": "Bearer valid-token"}

	w, _ := f.post(t, "/api/v1/generate/trends", `{"industry":"Fintech"}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w, body := f.post(t, "/api/v1/generate/trends", `{"industry":"fintech"}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.completer.callCount() != 1 {
		t.Errorf("expected the second request to be served from cache, got %d LLM calls", f.completer.callCount())
	}
	// Admission is still charged on cache hits.
	usage := body["usage"].(map[string]any)
	if usage["used"].(float64) != 2 {
		t.Errorf("expected 2 credits used, got %v", usage["used"])
	}
}

func TestGenerate_ExhaustedCredits(t *testing.T) {
	f := newFixture(t)
	auth := map[string]string{"Authorization": "Bearer valid-token"}

	for i := 0; i < quota.FreeCredits; i++ {
		w, _ := f.post(t, "/api/v1/generate/post", `{"topic":"x"}`, auth)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w, body := f.post(t, "/api/v1/generate/post", `{"topic":"x"}`, auth)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if body["error"] != "OUT_OF_CREDITS" {
		t.Errorf("unexpected error code %v", body["error"])
	}
}

func TestGenerate_InvalidToken(t *testing.T) {
	f := newFixture(t)

	w, body := f.post(t, "/api/v1/generate/post", `{"topic":"x"}`,
		map[string]string{"Authorization": "Bearer bogus"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if body["error"] != "UNAUTHENTICATED" {
		t.Errorf("unexpected error code %v", body["error"])
	}
}

func TestGenerate_ProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	f.completer.err = llm.ErrUnavailable

	w, body := f.post(t, "/api/v1/generate/hook", `{"topic":"x"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if body["error"] != "AI_PROVIDER_UNAVAILABLE" {
		t.Errorf("unexpected error code %v", body["error"])
	}
}

func TestGenerate_UpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.completer.err = errors.New("connection reset")

	w, body := f.post(t, "/api/v1/generate/hook", `{"topic":"x"}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if body["error"] != "GENERATION_FAILED" {
		t.Errorf("unexpected error code %v", body["error"])
	}
	if len(f.recorder.rows) != 1 || f.recorder.rows[0].StatusCode != http.StatusBadGateway {
		t.Errorf("expected a recorded row with the failure status")
	}
}

func TestOptimizeProfile_RequiresSection(t *testing.T) {
	f := newFixture(t)

	w, _ := f.post(t, "/api/v1/generate/profile", `{}`,
		map[string]string{"Authorization": "Bearer valid-token"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
