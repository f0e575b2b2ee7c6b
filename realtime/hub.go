package realtime

import (
	"sync"

	"promptnight/models"

	"go.uber.org/zap"
)

// Hub はロール別のブロードキャストグループを管理する。client と
// display は相互に隔離され、displayに管理者用データが流れることはない
type Hub struct {
	mu      sync.RWMutex
	clients map[*models.Client]bool
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*models.Client]bool),
		logger:  logger,
	}
}

// Join adds the client to its role group.
func (h *Hub) Join(c *models.Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Info("client joined",
		zap.String("connId", c.ConnID), zap.String("role", string(c.Role)))
}

// Leave removes the client.
func (h *Hub) Leave(c *models.Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.logger.Info("client left", zap.String("connId", c.ConnID))
}

// Broadcast は指定ロールの全接続へ1イベントを送る。個別の送信失敗は
// ログに残すだけで他の接続には影響させない
func (h *Hub) Broadcast(role models.Role, event string, payload interface{}) {
	h.mu.RLock()
	targets := make([]*models.Client, 0, len(h.clients))
	for c := range h.clients {
		if c.Role == role {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			h.logger.Error("Failed to broadcast",
				zap.String("connId", c.ConnID), zap.String("event", event), zap.Error(err))
		}
	}
}

// CountByRole は接続数をロール別に返す（ログと管理画面用）
func (h *Hub) CountByRole() map[models.Role]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[models.Role]int, 3)
	for c := range h.clients {
		out[c.Role]++
	}
	return out
}
