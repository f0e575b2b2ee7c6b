package models

import "time"

// Config 構造体はサーバー全体の設定情報を保持します。
// 値は main のフラグとPROMPTNIGHT_*環境変数（viper）から入る
type Config struct {
	ListenAddr   string
	Mode         string // "quiz" または "vote"
	AdminSecret  string
	AllowOrigins []string
	JoinURL      string // 参加用URL。QRコード生成に使う
	StagesFile   string
	VoteTaskFile string
	Debug        bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StateKey      string
	StateTTL      time.Duration
	StateChannel  string

	JudgeBaseURL  string
	JudgeAPIKey   string
	JudgeFolderID string
	JudgeModel    string

	ScoreQueueName   string
	ScoreWorkers     int
	ScoreAttempts    int
	ScoreBackoffBase time.Duration
	ScoreTimeout     time.Duration // ジャッジ呼び出し1回あたりの上限
	ScoreWaitTimeout time.Duration // 同期待ちの上限。超えたら「採点中」を返す
	ScoreRatePerSec  float64
	ScoreRateBurst   int

	SubmitMinInterval time.Duration
	ModerationPerMin  int
}
