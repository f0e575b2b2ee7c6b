package models

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Role は接続単位の権限区分。ハンドシェイク時に一度だけ決まる
type Role string

const (
	RoleClient  Role = "client"
	RoleAdmin   Role = "admin"
	RoleDisplay Role = "display"
)

// Envelope はWebsocketメッセージの共通封筒
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Websocketクライアントを定義
type Client struct {
	Conn     *websocket.Conn
	ConnID   string // 接続ハンドル。プレイヤーのオンライン判定に使う
	Role     Role
	PlayerID string // player:register 後に設定される

	mu         sync.Mutex // gorillaのConnは並行書き込み不可
	lastSubmit time.Time
}

// Send writes one envelope to the client. Safe for concurrent use.
func (c *Client) Send(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(Envelope{Type: event, Payload: payload})
}

// ThrottleSubmit は最小提出間隔を守れているかを判定し、守れていれば
// 最終提出時刻を更新する。二重タップ対策のソフトガード
func (c *Client) ThrottleSubmit(minInterval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if !c.lastSubmit.IsZero() && now.Sub(c.lastSubmit) < minInterval {
		return false
	}
	c.lastSubmit = now
	return true
}
