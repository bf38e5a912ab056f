package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Kiln/internal/cleanup"
	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/controller"
	"github.com/shaiso/Kiln/internal/diskguard"
	"github.com/shaiso/Kiln/internal/infer"
	"github.com/shaiso/Kiln/internal/liveness"
	"github.com/shaiso/Kiln/internal/mq"
	"github.com/shaiso/Kiln/internal/registry"
	"github.com/shaiso/Kiln/internal/supervisor"
	"github.com/shaiso/Kiln/internal/validator"
)

// Options — значения флагов CLI, общие для всех команд.
type Options struct {
	Production   bool
	Undying      bool
	InferMode    bool
	DeleteLive   bool
	FixTarget    bool
	FixResources bool
	IgnoreChecks bool
	Cores        int
	MaxMessages  int
	Targets      []string
	PostProcess  []string
}

// App — собранный экземпляр оркестратора со всеми зависимостями.
type App struct {
	Cfg    *config.Config
	Ctrl   *controller.Controller
	Logger *slog.Logger

	pool   *pgxpool.Pool
	mqConn *mq.Connection
}

// NewApp собирает экземпляр: конфигурация из флагов, пул БД,
// репозитории, опциональный брокер событий и controller.
func NewApp(ctx context.Context, opts *Options, logger *slog.Logger) (*App, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	cfg := config.Default(hostname, os.Getpid())
	cfg.Production = opts.Production
	cfg.Undying = opts.Undying
	cfg.InferMode = opts.InferMode
	cfg.DeleteLive = opts.DeleteLive
	cfg.FixTarget = opts.FixTarget
	cfg.FixResources = opts.FixResources
	cfg.IgnoreChecks = opts.IgnoreChecks
	if opts.Cores > 0 {
		cfg.Cores = opts.Cores
	}
	if opts.MaxMessages > 0 {
		cfg.MaxMessages = opts.MaxMessages
	}
	if len(opts.Targets) > 0 {
		cfg.Targets = opts.Targets
	}
	if len(opts.PostProcess) > 0 {
		cfg.PostProcess = opts.PostProcess
	}
	if !cfg.Production {
		// В песочнице диск делится с другими; паникуем раньше.
		cfg.Disk.MaxUsedPercent = 80
	}

	logger = logger.With("host", cfg.Hostname)

	pool, err := registry.NewPool(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to registry: %w", err)
	}
	if err := registry.WaitReady(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("wait for registry: %w", err)
	}

	runs := registry.NewRunRepo(pool, cfg.Hostname, cfg.PID, !cfg.Production)
	beats := registry.NewHeartbeatRepo(pool)
	tracker := liveness.NewTracker(&cfg, beats, logger)
	guard := diskguard.New(&cfg, tracker, logger)

	targets := infer.NewTargets(&cfg, logger)
	inferrer, err := infer.NewInferrer(&cfg, runs, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	// Брокер событий опционален: без него оркестратор полностью
	// работоспособен, выгрузка живёт на опросе реестра.
	var events *mq.Publisher
	mqConn, err := mq.NewConnection(mq.DefaultURL(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, lifecycle events disabled", "error", err)
		mqConn = nil
	} else {
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("could not declare MQ topology", "error", err)
		}
		events = mq.NewPublisher(mqConn, cfg.Hostname, logger)
	}

	var notify cleanup.Notifier
	if events != nil {
		notify = events
	}
	cleaner := cleanup.New(&cfg, runs, beats, notify, logger)
	super := supervisor.New(&cfg, tracker, runs, logger)
	valid := validator.New(&cfg, runs, logger)

	var ctrlEvents controller.Events
	if events != nil {
		ctrlEvents = events
	}
	ctrl := controller.New(controller.Config{
		Cfg:      &cfg,
		Runs:     runs,
		Tracker:  tracker,
		Guard:    guard,
		Targets:  targets,
		Inferrer: inferrer,
		Super:    super,
		Valid:    valid,
		Cleaner:  cleaner,
		Events:   ctrlEvents,
		Logger:   logger,
	})

	return &App{
		Cfg:    &cfg,
		Ctrl:   ctrl,
		Logger: logger,
		pool:   pool,
		mqConn: mqConn,
	}, nil
}

// Close освобождает соединения.
func (a *App) Close() {
	if a.mqConn != nil {
		_ = a.mqConn.Close()
	}
	a.pool.Close()
}
