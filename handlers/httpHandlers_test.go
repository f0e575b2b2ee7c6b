package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"promptnight/database"
	"promptnight/game"
	"promptnight/models"
	"promptnight/realtime"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func testManager(t *testing.T) (*game.Manager, *game.Catalog) {
	t.Helper()
	catalog, err := game.NewCatalog([]*models.Stage{
		{ID: "waiting", Kind: models.StageWaiting},
		{ID: "q1", Kind: models.StageQuestion, Question: &models.QuestionPayload{
			Prompt:          "Что такое JOIN?",
			ReferenceAnswer: "Объединение строк по условию.",
		}},
	})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return game.NewManager(catalog, zap.NewNop()), catalog
}

func perform(router *gin.Engine, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetConfigPublicView(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, catalog := testManager(t)
	router := gin.New()
	router.GET("/config", func(c *gin.Context) { GetConfig(c, catalog) })

	w := perform(router, http.MethodGet, "/config", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if strings.Contains(w.Body.String(), "Объединение строк") {
		t.Error("/config leaked the reference answer")
	}
	var body struct {
		Stages []json.RawMessage `json:"stages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || len(body.Stages) != 2 {
		t.Fatalf("bad config body: %s", w.Body.String())
	}
}

func TestGetStateRequiresSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := testManager(t)
	router := gin.New()
	router.GET("/state", func(c *gin.Context) { GetState(c, m, "s3cret") })

	if w := perform(router, http.MethodGet, "/state", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d, want 401", w.Code)
	}
	if w := perform(router, http.MethodGet, "/state", "", map[string]string{"X-Admin-Secret": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", w.Code)
	}

	w := perform(router, http.MethodGet, "/state", "", map[string]string{"X-Admin-Secret": "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var snap models.AdminSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ClientStageID != "waiting" {
		t.Errorf("stage = %q, want waiting", snap.ClientStageID)
	}
}

func TestGetStateAcceptsQuerySecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := testManager(t)
	router := gin.New()
	router.GET("/state", func(c *gin.Context) { GetState(c, m, "s3cret") })

	if w := perform(router, http.MethodGet, "/state?secret=s3cret", "", nil); w.Code != http.StatusOK {
		t.Errorf("query secret: status = %d, want 200", w.Code)
	}
}

func TestHealthDegradedWithoutRedis(t *testing.T) {
	gin.SetMode(gin.TestMode)
	// 接続先のないRedisクライアントでdegradedを確認する
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	store := database.NewStateStore(rdb, models.Config{}, zap.NewNop())
	hub := realtime.NewHub(zap.NewNop())
	router := gin.New()
	router.GET("/health", func(c *gin.Context) { Health(c, store, nil, hub, nil) })

	w := perform(router, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "degraded") {
		t.Errorf("body = %s, want degraded", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "connections") {
		t.Errorf("body = %s, want role connection counts", w.Body.String())
	}
}

func TestAdminEvaluate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, catalog := testManager(t)
	gw := realtime.NewGateway(models.Config{Mode: realtime.ModeQuiz}, realtime.NewHub(zap.NewNop()), m, catalog, nil, nil, zap.NewNop())
	router := gin.New()
	router.POST("/admin/evaluate", func(c *gin.Context) { AdminEvaluate(c, m, gw, "s3cret") })

	player, err := m.RegisterPlayer("Аня", "", "conn-1")
	if err != nil {
		t.Fatalf("RegisterPlayer() error = %v", err)
	}
	if _, err := m.SetStage(models.AudienceClients, "q1"); err != nil {
		t.Fatalf("SetStage() error = %v", err)
	}
	sub, err := m.RecordSubmission(player.ID, "q1", "ответ", nil)
	if err != nil {
		t.Fatalf("RecordSubmission() error = %v", err)
	}

	secret := map[string]string{"X-Admin-Secret": "s3cret", "Content-Type": "application/json"}

	if w := perform(router, http.MethodPost, "/admin/evaluate", `{"submissionId":"`+sub.ID+`","score":8}`, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d, want 401", w.Code)
	}
	if w := perform(router, http.MethodPost, "/admin/evaluate", `{"score":8}`, secret); w.Code != http.StatusBadRequest {
		t.Errorf("missing submissionId: status = %d, want 400", w.Code)
	}
	if w := perform(router, http.MethodPost, "/admin/evaluate", `{"submissionId":"ghost","score":8}`, secret); w.Code != http.StatusNotFound {
		t.Errorf("unknown submission: status = %d, want 404", w.Code)
	}

	// デッドレター救済：未採点の提出を手動で採点する。スコアはクランプされる
	w := perform(router, http.MethodPost, "/admin/evaluate", `{"submissionId":"`+sub.ID+`","score":15,"notes":"отлично"}`, secret)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var evaluated models.Submission
	if err := json.Unmarshal(w.Body.Bytes(), &evaluated); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	if evaluated.Evaluation == nil || evaluated.Evaluation.Score != 10 || evaluated.Evaluation.Mode != models.EvalManual {
		t.Fatalf("evaluation = %+v, want clamped manual score 10", evaluated.Evaluation)
	}

	// 再採点は差分適用：10 → 4 で合計も4になる
	w = perform(router, http.MethodPost, "/admin/evaluate", `{"submissionId":"`+sub.ID+`","score":4}`, secret)
	if w.Code != http.StatusOK {
		t.Fatalf("re-evaluate status = %d, want 200", w.Code)
	}
	snap := m.AdminSnapshot()
	if snap.Players[0].Score != 4 {
		t.Errorf("player total = %d, want 4", snap.Players[0].Score)
	}
}

func TestJoinQR(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/join/qr", func(c *gin.Context) { JoinQR(c, "", zap.NewNop()) })
	router.GET("/join/qr2", func(c *gin.Context) { JoinQR(c, "https://example.com/join", zap.NewNop()) })

	if w := perform(router, http.MethodGet, "/join/qr", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unconfigured: status = %d, want 404", w.Code)
	}
	w := perform(router, http.MethodGet, "/join/qr2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}
	if w.Body.Len() == 0 {
		t.Error("empty PNG body")
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(3)
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected within burst", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("burst exceeded but request allowed")
	}
	// 別IPは独立して数える
	if !l.Allow("10.0.0.2") {
		t.Error("fresh IP rejected")
	}
}
