package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/callmatch/internal/config"
	"github.com/hitoshi/callmatch/internal/database"
	"github.com/hitoshi/callmatch/internal/handler"
	"github.com/hitoshi/callmatch/internal/logger"
	"github.com/hitoshi/callmatch/internal/metrics"
	"github.com/hitoshi/callmatch/internal/middleware"
	"github.com/hitoshi/callmatch/internal/notify"
	"github.com/hitoshi/callmatch/internal/queue"
	"github.com/hitoshi/callmatch/internal/worker/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Init はアプリケーションの初期化を行う。
// .envを読み込み、JSON構造化ログをセットアップしてから環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（既存の環境変数は上書きしない）
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		steps, err := ParseRollbackSteps(args)
		if err != nil {
			return err
		}
		return runMigrate(cfg, steps)
	case CommandSeed:
		return runSeed(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// signalContext はSIGINTまたはSIGTERMを受信するとキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-stop:
			slog.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(stop)
	}()
	return ctx, cancel
}

// newMetrics はアプリケーションメトリクスとランタイムメトリクスを登録したレジストリを返す。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ワークキューがプロセス内の場合はジョブの処理と定期スイープも同じプロセスで行う。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established")

	ctx, cancel := signalContext()
	defer cancel()

	// 2. ワークキュー・通知・メトリクス
	q, shared, err := openQueue(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}
	defer q.Close()

	notifier, closeNotifier, err := openNotifier(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open notifier: %w", err)
	}
	defer closeNotifier()

	reg, collector := newMetrics()

	// 3. ドメインサービスの初期化
	svc, err := newServices(cfg, db, q, notifier, collector, log)
	if err != nil {
		return err
	}

	// 4. プロセス内キューの場合はワーカーも起動する
	done := make(chan struct{})
	if shared {
		close(done)
	} else {
		dispatcher := jobs.NewDispatcher(q, log, collector, cfg.JobWorkers)
		registerJobs(dispatcher, svc)
		sweeper := newSweeper(cfg, db, svc, log)
		go sweeper.Start(ctx, cfg.SweepInterval)
		go func() {
			defer close(done)
			dispatcher.Start(ctx)
		}()
	}

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitJoin),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            log,
		HealthChecker:     db,
		SessionFinder:     svc.repos.authSessions,
		StaffChecker:      svc.repos.profiles,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		StatusObserver:  collector.RecordHTTPStatus,
		MetricsGatherer: reg,

		LobbyService: svc.registry,
		MatchService: svc.proposals,
		CallAccess:   svc.coordinator,

		WebhookVerifier:  svc.signer,
		WebhookProcessor: svc.tracker,

		OverviewService: svc.registry,
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server listen error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-done

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 共有キューからジョブを取り出して処理し、定期スイープを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established (worker)")

	ctx, cancel := signalContext()
	defer cancel()

	// 2. ワークキュー・通知・メトリクス
	q, shared, err := openQueue(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}
	defer q.Close()

	notifier, closeNotifier, err := openNotifier(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open notifier: %w", err)
	}
	defer closeNotifier()

	reg, collector := newMetrics()

	svc, err := newServices(cfg, db, q, notifier, collector, log)
	if err != nil {
		return err
	}

	// メトリクスサーバー（APIルーターを持たないため専用に公開する）
	if cfg.MetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metrics.NewWorkerMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("worker metrics server starting", slog.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("worker metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	// 3. 前回のプロセスが処理中のまま終了したジョブを戻す
	if rq, ok := q.(*queue.RedisQueue); ok {
		n, err := rq.RequeueProcessing(ctx)
		if err != nil {
			log.Error("failed to requeue in-flight jobs", slog.String("error", err.Error()))
		} else if n > 0 {
			log.Info("requeued in-flight jobs", slog.Int("count", n))
		}
	}

	log.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Int("job_workers", cfg.JobWorkers),
	)

	// 4. 定期スイープをバックグラウンドで起動
	sweeper := newSweeper(cfg, db, svc, log)
	go sweeper.Start(ctx, cfg.SweepInterval)

	// 5. ジョブディスパッチャをメインgoroutineで実行（ブロッキング）
	if !shared {
		log.Warn("worker without REDIS_URL only runs periodic sweeps; jobs are processed by serve")
		<-ctx.Done()
	} else {
		dispatcher := jobs.NewDispatcher(q, log, collector, cfg.JobWorkers)
		registerJobs(dispatcher, svc)
		dispatcher.Start(ctx)
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// stepsが0の場合は未適用のマイグレーションをすべて適用し、正の場合はその件数だけ取り消す。
func runMigrate(cfg *config.Config, steps int) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("rollback_steps", steps),
	)

	var (
		version uint
		err     error
	)
	if steps > 0 {
		version, err = database.RollbackMigrations(cfg.DatabaseURL, steps)
	} else {
		version, err = database.RunMigrations(cfg.DatabaseURL)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runSeed はロビー定義ファイルを読み込み、ロビーを作成または更新する。
func runSeed(cfg *config.Config) error {
	file, err := config.LoadLobbyFile(cfg.LobbyConfigPath)
	if err != nil {
		return err
	}

	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()
	q := queue.NewMemoryQueue()
	defer q.Close()

	svc, err := newServices(cfg, db, q, notify.NewLogNotifier(log), metrics.Nop{}, log)
	if err != nil {
		return err
	}

	n, err := svc.registry.Seed(context.Background(), file.Lobbies)
	if err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}

	slog.Info("lobbies seeded",
		slog.String("path", cfg.LobbyConfigPath),
		slog.Int("count", n),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
