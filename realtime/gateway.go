package realtime

import (
	"net/http"
	"time"

	"promptnight/game"
	"promptnight/models"
	"promptnight/scoring"
	"promptnight/vote"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingPeriod = 10 * time.Second
	pongWait   = 60 * time.Second
	readLimit  = 64 * 1024
	// ModeQuiz は多段台本モード、ModeVote は単発投票モード
	ModeQuiz = "quiz"
	ModeVote = "vote"
)

// Gateway は接続の受け入れ・ロール分類・メッセージ翻訳を担う。
// 状態そのものは持たず、全ての変更はManager経由で行う
type Gateway struct {
	cfg      models.Config
	hub      *Hub
	game     *game.Manager
	catalog  *game.Catalog
	vote     *vote.Manager // quizモードではnil
	pool     *scoring.Pool // voteモードではnil
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewGateway(cfg models.Config, hub *Hub, gm *game.Manager, catalog *game.Catalog, vm *vote.Manager, pool *scoring.Pool, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:     cfg,
		hub:     hub,
		game:    gm,
		catalog: catalog,
		vote:    vm,
		pool:    pool,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// HandleConnections はWebSocket接続へのアップグレードを行う。ロールは
// ハンドシェイク時に一度だけ決まり、adminは共有シークレットを要求する
func (g *Gateway) HandleConnections(w http.ResponseWriter, r *http.Request) {
	role := requestedRole(r)
	if role == models.RoleAdmin {
		secret := r.URL.Query().Get("secret")
		if secret == "" {
			secret = r.Header.Get("X-Admin-Secret")
		}
		if g.cfg.AdminSecret == "" || secret != g.cfg.AdminSecret {
			// リトライのヒントは返さない
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	client := &models.Client{
		Conn:   conn,
		ConnID: uuid.NewString(),
		Role:   role,
	}
	g.hub.Join(client)

	client.Send(models.EvtSessionInfo, models.SessionInfoPayload{
		ConnID: client.ConnID,
		Role:   client.Role,
	})
	g.sendInitialState(client)

	// クライアントごとのメッセージ読み取りゴルーチン
	go g.readLoop(client)

	// Ping/Pongを管理するゴルーチン
	go g.pingLoop(client)
}

func requestedRole(r *http.Request) models.Role {
	raw := r.URL.Query().Get("role")
	if raw == "" {
		raw = r.Header.Get("X-Role")
	}
	switch models.Role(raw) {
	case models.RoleAdmin:
		return models.RoleAdmin
	case models.RoleDisplay:
		return models.RoleDisplay
	default:
		// 不明なロールはclient扱い
		return models.RoleClient
	}
}

// sendInitialState は接続直後にそのロール向けの現状を流す
func (g *Gateway) sendInitialState(c *models.Client) {
	switch c.Role {
	case models.RoleAdmin:
		c.Send(models.EvtConfigUpdate, g.configPayload())
		c.Send(models.EvtStateUpdate, g.statePayload(models.RoleAdmin))
	case models.RoleDisplay:
		c.Send(models.EvtConfigUpdate, g.configPayload())
		c.Send(models.EvtStateUpdate, g.statePayload(models.RoleDisplay))
	case models.RoleClient:
		c.Send(models.EvtStateUpdate, g.statePayload(models.RoleClient))
	}
}

// BroadcastState は3つのロールグループ全てへ各自のプロジェクションを
// 配る。差分配信はしない：イベント規模が小さいので単純さを優先する
func (g *Gateway) BroadcastState() {
	g.hub.Broadcast(models.RoleAdmin, models.EvtStateUpdate, g.statePayload(models.RoleAdmin))
	g.hub.Broadcast(models.RoleClient, models.EvtStateUpdate, g.statePayload(models.RoleClient))
	g.hub.Broadcast(models.RoleDisplay, models.EvtStateUpdate, g.statePayload(models.RoleDisplay))
}

func (g *Gateway) statePayload(role models.Role) interface{} {
	if g.cfg.Mode == ModeVote && g.vote != nil {
		if role == models.RoleAdmin {
			return g.vote.AdminSnapshot()
		}
		return g.vote.PublicSnapshot()
	}
	switch role {
	case models.RoleAdmin:
		return g.game.AdminSnapshot()
	case models.RoleDisplay:
		return g.game.PublicSnapshot(models.AudienceDisplay)
	default:
		return g.game.PublicSnapshot(models.AudienceClients)
	}
}

func (g *Gateway) configPayload() interface{} {
	if g.cfg.Mode == ModeVote && g.vote != nil {
		return g.vote.Task()
	}
	return map[string]interface{}{"stages": g.catalog.Stages}
}

func (g *Gateway) pingLoop(c *models.Client) {
	c.Conn.SetReadLimit(readLimit)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			return // 接続は読み取り側が片付ける
		}
	}
}
