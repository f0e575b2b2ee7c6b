package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"promptnight/database"  // Redisの初期化と状態ストア
	"promptnight/game"      // 権威状態モデルとステージカタログ
	"promptnight/handlers"  // HTTPサーフェス
	"promptnight/models"    // モデル定義
	"promptnight/realtime"  // Websocketゲートウェイ
	"promptnight/scoring"   // 採点パイプライン
	"promptnight/utils"     // ロガーの初期化とCronジョブ
	"promptnight/vote"      // 投票バリアント

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newCmd(cfg *models.Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PROMPTNIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var origins string
	cmd := &cobra.Command{
		Use:           "promptnight",
		Short:         "Realtime server for a host-driven live quiz/voting event.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if origins != "" {
				cfg.AllowOrigins = strings.Split(origins, ",")
			}
			if cfg.Mode != realtime.ModeQuiz && cfg.Mode != realtime.ModeVote {
				return fmt.Errorf("unknown mode %q (quiz|vote)", cfg.Mode)
			}
			return run(cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.ListenAddr, "listen", ":4000", "address to listen on (env: PROMPTNIGHT_LISTEN)")
	fs.StringVar(&cfg.Mode, "mode", realtime.ModeQuiz, "event mode: quiz or vote (env: PROMPTNIGHT_MODE)")
	fs.StringVar(&cfg.AdminSecret, "admin-secret", "", "shared secret for the admin role (env: PROMPTNIGHT_ADMIN_SECRET)")
	fs.StringVar(&origins, "allow-origins", "", "comma separated CORS origins, empty allows all (env: PROMPTNIGHT_ALLOW_ORIGINS)")
	fs.StringVar(&cfg.JoinURL, "join-url", "", "public join URL used for the QR code (env: PROMPTNIGHT_JOIN_URL)")
	fs.StringVar(&cfg.StagesFile, "stages", "stages.json", "stage catalog file (env: PROMPTNIGHT_STAGES)")
	fs.StringVar(&cfg.VoteTaskFile, "vote-task", "", "voting task file for vote mode (env: PROMPTNIGHT_VOTE_TASK)")
	fs.BoolVar(&cfg.Debug, "debug", false, "human readable logs (env: PROMPTNIGHT_DEBUG)")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", "localhost:6379", "redis address (env: PROMPTNIGHT_REDIS_ADDR)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password (env: PROMPTNIGHT_REDIS_PASSWORD)")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number (env: PROMPTNIGHT_REDIS_DB)")
	fs.StringVar(&cfg.StateKey, "state-key", database.DefaultStateKey, "redis key for the persisted state (env: PROMPTNIGHT_STATE_KEY)")
	fs.DurationVar(&cfg.StateTTL, "state-ttl", database.DefaultStateTTL, "retention of abandoned events (env: PROMPTNIGHT_STATE_TTL)")
	fs.StringVar(&cfg.StateChannel, "state-channel", database.DefaultStateChannel, "pub/sub channel for out-of-band changes (env: PROMPTNIGHT_STATE_CHANNEL)")

	fs.StringVar(&cfg.JudgeBaseURL, "judge-base-url", scoring.DefaultJudgeBaseURL, "OpenAI compatible judge endpoint (env: PROMPTNIGHT_JUDGE_BASE_URL)")
	fs.StringVar(&cfg.JudgeAPIKey, "judge-api-key", "", "judge API key (env: PROMPTNIGHT_JUDGE_API_KEY)")
	fs.StringVar(&cfg.JudgeFolderID, "judge-folder-id", "", "Yandex folder id (env: PROMPTNIGHT_JUDGE_FOLDER_ID)")
	fs.StringVar(&cfg.JudgeModel, "judge-model", "", "judge model URI override (env: PROMPTNIGHT_JUDGE_MODEL)")

	fs.StringVar(&cfg.ScoreQueueName, "queue-name", scoring.DefaultQueueName, "score queue name (env: PROMPTNIGHT_QUEUE_NAME)")
	fs.IntVar(&cfg.ScoreWorkers, "score-workers", 5, "scoring worker concurrency (env: PROMPTNIGHT_SCORE_WORKERS)")
	fs.IntVar(&cfg.ScoreAttempts, "score-attempts", 3, "judge retry ceiling (env: PROMPTNIGHT_SCORE_ATTEMPTS)")
	fs.DurationVar(&cfg.ScoreBackoffBase, "score-backoff", 500*time.Millisecond, "base retry backoff (env: PROMPTNIGHT_SCORE_BACKOFF)")
	fs.DurationVar(&cfg.ScoreTimeout, "score-timeout", 8*time.Second, "per judge call timeout (env: PROMPTNIGHT_SCORE_TIMEOUT)")
	fs.DurationVar(&cfg.ScoreWaitTimeout, "score-wait-timeout", 15*time.Second, "synchronous wait before reporting still-processing (env: PROMPTNIGHT_SCORE_WAIT_TIMEOUT)")
	fs.Float64Var(&cfg.ScoreRatePerSec, "score-rate", 2, "judge calls per second (env: PROMPTNIGHT_SCORE_RATE)")
	fs.IntVar(&cfg.ScoreRateBurst, "score-burst", 2, "judge call burst (env: PROMPTNIGHT_SCORE_BURST)")

	fs.DurationVar(&cfg.SubmitMinInterval, "submit-min-interval", 2*time.Second, "per player minimum interval between submissions (env: PROMPTNIGHT_SUBMIT_MIN_INTERVAL)")
	fs.IntVar(&cfg.ModerationPerMin, "moderation-per-min", 6, "nickname moderation requests per minute per IP (env: PROMPTNIGHT_MODERATION_PER_MIN)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	return cmd
}

func main() {
	cfg := &models.Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

// scoreApplier は採点結果をゲーム状態へ反映し、全員へ再配信する
type scoreApplier struct {
	game *game.Manager
	gw   *realtime.Gateway
}

func (a *scoreApplier) ApplyScore(job *scoring.ScoreJob, res scoring.ScoreResult) error {
	_, err := a.game.ApplyEvaluation(job.SubmissionID, models.Evaluation{
		Score: res.Score,
		Notes: res.Feedback,
		Mode:  models.EvalLLM,
	}, false)
	if err != nil {
		return err
	}
	a.gw.BroadcastState()
	return nil
}

func run(cfg *models.Config) error {
	logger, err := utils.InitLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := database.InitRedis(*cfg, logger)
	if err != nil {
		return err
	}
	store := database.NewStateStore(rdb, *cfg, logger)

	var (
		catalog *game.Catalog
		gm      *game.Manager
		vm      *vote.Manager
		pool    *scoring.Pool
		queue   *scoring.RedisQueue
		judge   *scoring.Client
		applier *scoreApplier
	)

	if cfg.Mode == realtime.ModeVote {
		task := vote.DefaultTask()
		if cfg.VoteTaskFile != "" {
			task, err = vote.LoadTask(cfg.VoteTaskFile)
			if err != nil {
				return err
			}
		}
		vm = vote.NewManager(task, logger)
	} else {
		catalog, err = game.LoadCatalog(cfg.StagesFile)
		if err != nil {
			return err
		}
		gm = game.NewManager(catalog, logger)

		// 再起動時は保存済み状態から再開する。スコアはゼロに戻さない
		persisted, err := store.Load(ctx)
		if err != nil {
			logger.Error("保存済み状態の読み込みに失敗しました", zap.Error(err))
		} else if persisted != nil {
			gm.Restore(persisted)
		}
		gm.SetOnChange(store.PersistAsync)

		judge = scoring.NewClient(*cfg, logger)
		queue = scoring.NewRedisQueue(rdb, cfg.ScoreQueueName, logger)
		applier = &scoreApplier{game: gm}
		pool = scoring.NewPool(queue, judge, applier, *cfg, logger)
	}

	hub := realtime.NewHub(logger)
	gw := realtime.NewGateway(*cfg, hub, gm, catalog, vm, pool, logger)
	if applier != nil {
		applier.gw = gw
	}
	if vm != nil {
		vm.SetOnAutoCollect(gw.BroadcastState)
	}

	if pool != nil {
		go func() {
			if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("scoring pool stopped", zap.Error(err))
			}
		}()
	}

	// プロセス外（独立採点ワーカー等）の変更通知で全量リロードする
	if gm != nil {
		go func() {
			for range store.Subscribe(ctx) {
				persisted, err := store.Load(ctx)
				if err != nil {
					logger.Error("状態のリロードに失敗しました", zap.Error(err))
					continue
				}
				if gm.Reload(persisted) {
					gw.BroadcastState()
				}
			}
		}()
	}

	// クーロンスケジューラのセットアップと呼び出し
	go utils.CronCleaner(store, queue, logger)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), utils.RequestLogger(logger))

	// CORS（Cross-Origin Resource Sharing）ポリシーを設定
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Admin-Secret"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	}
	router.Use(cors.New(corsCfg))

	// 各HTTPリクエストのルーティング
	router.GET("/ws", func(c *gin.Context) {
		gw.HandleConnections(c.Writer, c.Request)
	})
	router.GET("/health", func(c *gin.Context) {
		handlers.Health(c, store, judge, hub, queue)
	})
	router.GET("/join/qr", func(c *gin.Context) {
		handlers.JoinQR(c, cfg.JoinURL, logger)
	})
	if gm != nil {
		moderationLimiter := handlers.NewIPRateLimiter(cfg.ModerationPerMin)
		router.GET("/config", func(c *gin.Context) {
			handlers.GetConfig(c, catalog)
		})
		router.GET("/state", func(c *gin.Context) {
			handlers.GetState(c, gm, cfg.AdminSecret)
		})
		router.POST("/moderate/nickname", func(c *gin.Context) {
			handlers.ModerateNickname(c, judge, moderationLimiter, logger)
		})
		router.POST("/admin/stage", func(c *gin.Context) {
			handlers.AdminSetStage(c, gm, gw, cfg.AdminSecret)
		})
		router.POST("/admin/evaluate", func(c *gin.Context) {
			handlers.AdminEvaluate(c, gm, gw, cfg.AdminSecret)
		})
		router.POST("/admin/reset", func(c *gin.Context) {
			handlers.AdminReset(c, gm, gw, cfg.AdminSecret)
		})
	}

	logger.Info("server starting",
		zap.String("addr", cfg.ListenAddr), zap.String("mode", cfg.Mode))
	return router.Run(cfg.ListenAddr)
}
