package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hitoshi/callmatch/internal/callaccess"
	"github.com/hitoshi/callmatch/internal/callsession"
	"github.com/hitoshi/callmatch/internal/config"
	"github.com/hitoshi/callmatch/internal/lobby"
	"github.com/hitoshi/callmatch/internal/matchmaker"
	"github.com/hitoshi/callmatch/internal/metrics"
	"github.com/hitoshi/callmatch/internal/notify"
	"github.com/hitoshi/callmatch/internal/proposal"
	"github.com/hitoshi/callmatch/internal/queue"
	"github.com/hitoshi/callmatch/internal/repository"
	"github.com/hitoshi/callmatch/internal/room"
	"github.com/hitoshi/callmatch/internal/security"
	"github.com/hitoshi/callmatch/internal/video"
	"github.com/hitoshi/callmatch/internal/worker/cleanup"
	"github.com/hitoshi/callmatch/internal/worker/jobs"
)

// repositories はPostgreSQLリポジトリの組。
type repositories struct {
	lobbies      *repository.PostgresLobbyRepo
	memberships  *repository.PostgresMembershipRepo
	proposals    *repository.PostgresProposalRepo
	rooms        *repository.PostgresRoomRepo
	sessions     *repository.PostgresCallSessionRepo
	events       *repository.PostgresWebhookEventRepo
	profiles     *repository.PostgresProfileRepo
	authSessions *repository.PostgresAuthSessionRepo
	chats        *repository.PostgresChatRepo
	interactions *repository.PostgresInteractionRepo
}

func newRepositories(db *sql.DB) *repositories {
	return &repositories{
		lobbies:      repository.NewPostgresLobbyRepo(db),
		memberships:  repository.NewPostgresMembershipRepo(db),
		proposals:    repository.NewPostgresProposalRepo(db),
		rooms:        repository.NewPostgresRoomRepo(db),
		sessions:     repository.NewPostgresCallSessionRepo(db),
		events:       repository.NewPostgresWebhookEventRepo(db),
		profiles:     repository.NewPostgresProfileRepo(db),
		authSessions: repository.NewPostgresAuthSessionRepo(db),
		chats:        repository.NewPostgresChatRepo(db),
		interactions: repository.NewPostgresInteractionRepo(db),
	}
}

// services はドメインサービスの組。serve・worker・seedで共有する。
type services struct {
	repos       *repositories
	signer      *video.TokenSigner
	registry    *lobby.Registry
	matchmaker  *matchmaker.Matchmaker
	proposals   *proposal.Service
	coordinator *callaccess.Coordinator
	tracker     *callsession.Tracker
}

// newServices は全ドメインサービスを構築する。
func newServices(
	cfg *config.Config,
	db *sql.DB,
	q queue.Queue,
	notifier notify.Notifier,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) (*services, error) {
	repos := newRepositories(db)
	sanitizer := security.NewProfileSanitizer()

	signer := video.NewTokenSigner(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.TokenTTL)
	provider, err := video.NewLiveKitClient(logger, cfg.LiveKitURL, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create video provider client: %w", err)
	}

	proposalSvc := proposal.NewService(
		repos.lobbies, repos.memberships, repos.proposals, repos.profiles,
		sanitizer, notifier, mc, logger,
		proposal.Options{ProposalTTL: cfg.ProposalTTL, CallJoinTimeout: cfg.CallJoinTimeout},
	)

	tracker := callsession.NewTracker(callsession.Repositories{
		Rooms:        repos.rooms,
		Sessions:     repos.sessions,
		Events:       repos.events,
		Proposals:    repos.proposals,
		Interactions: repos.interactions,
		Chats:        repos.chats,
	}, notifier, mc, logger, cfg.SurveyMinDuration)

	registry := lobby.NewRegistry(lobby.Repositories{
		Lobbies:     repos.lobbies,
		Memberships: repos.memberships,
		Proposals:   repos.proposals,
		Sessions:    repos.sessions,
		Profiles:    repos.profiles,
	}, proposalSvc, tracker, q, sanitizer, logger)

	mm := matchmaker.New(
		repos.lobbies, repos.memberships, repos.proposals,
		proposalSvc, notifier, mc, logger,
	)

	provisioner := room.NewProvisioner(repos.rooms, provider, mc, logger, cfg.ProviderTimeout)
	coordinator := callaccess.NewCoordinator(
		repos.lobbies, repos.memberships, repos.proposals, repos.profiles, repos.chats,
		provisioner, provider, mc, logger,
		callaccess.RetryPolicy{Attempts: cfg.TokenRetryAttempts, BaseDelay: cfg.TokenRetryBaseDelay},
	)

	return &services{
		repos:       repos,
		signer:      signer,
		registry:    registry,
		matchmaker:  mm,
		proposals:   proposalSvc,
		coordinator: coordinator,
		tracker:     tracker,
	}, nil
}

// registerJobs はワークキューのジョブ種別ごとのハンドラを登録する。
func registerJobs(d *jobs.Dispatcher, s *services) {
	d.Register(queue.KindMatchmake, func(ctx context.Context, job queue.Job) error {
		_, err := s.matchmaker.Run(ctx, job.LobbyName)
		return err
	})
	d.Register(queue.KindMembershipCleanup, func(ctx context.Context, job queue.Job) error {
		_, err := s.registry.CleanupInactive(ctx, job.LobbyName)
		return err
	})
}

// newSweeper は定期スイープを構築する。
func newSweeper(cfg *config.Config, db *sql.DB, s *services, logger *slog.Logger) *cleanup.Sweeper {
	retention := cleanup.NewWebhookRetentionJob(db, logger, cfg.WebhookRetentionDays)
	return cleanup.NewSweeper(s.registry, s.proposals, retention, logger)
}

// openQueue はREDIS_URLが設定されていればRedisキューを、なければプロセス内キューを返す。
// 2つ目の戻り値はプロセス外と共有されるキューかどうか。
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, bool, error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL is not set; using in-process work queue")
		return queue.NewMemoryQueue(), false, nil
	}
	q, err := queue.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, false, err
	}
	return q, true, nil
}

// openNotifier はAMQP_URLが設定されていればAMQPNotifierを、なければログ出力のみのNotifierを返す。
func openNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, func(), error) {
	if cfg.AMQPURL == "" {
		logger.Warn("AMQP_URL is not set; notifications are only logged")
		return notify.NewLogNotifier(logger), func() {}, nil
	}
	n, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, nil, err
	}
	return n, func() {
		if err := n.Close(); err != nil {
			logger.Error("failed to close amqp notifier", slog.String("error", err.Error()))
		}
	}, nil
}
