package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IliaW/capture-worker/config"
	"github.com/IliaW/capture-worker/internal/aws_s3"
	"github.com/IliaW/capture-worker/internal/broker"
	"github.com/IliaW/capture-worker/internal/browser"
	cacheClient "github.com/IliaW/capture-worker/internal/cache"
	"github.com/IliaW/capture-worker/internal/crawler"
	"github.com/IliaW/capture-worker/internal/display"
	"github.com/IliaW/capture-worker/internal/intake"
	"github.com/IliaW/capture-worker/internal/metrics"
	"github.com/IliaW/capture-worker/internal/model"
	"github.com/IliaW/capture-worker/internal/packager"
	"github.com/IliaW/capture-worker/internal/persistence"
	"github.com/IliaW/capture-worker/internal/pipeline"
	"github.com/IliaW/capture-worker/internal/process"
	"github.com/IliaW/capture-worker/internal/publish"
	"github.com/IliaW/capture-worker/internal/redirect"
	"github.com/IliaW/capture-worker/internal/scheduler"
)

var (
	cfg         *config.Config
	log         *slog.Logger
	db          *sql.DB
	s3          aws_s3.BucketClient
	cache       cacheClient.CachedClient
	captureRepo persistence.CaptureStorage
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	log = setupLogger()
	setupBackends()
	defer closeBackends()
	log.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env),
		slog.String("version", cfg.Version))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(registry, log)
	server := startServer(registry)

	// jobs outlive ctx so that in-flight captures can finish during shutdown
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	publishChan := make(chan *model.CaptureResult, cfg.IntakeSettings.QueueSize)
	var resultChan chan *model.CaptureResult
	if cfg.KafkaSettings.Enabled {
		resultChan = make(chan *model.CaptureResult, cfg.IntakeSettings.QueueSize)
	}

	pipe := &pipeline.Pipeline{
		Cfg:      cfg,
		Pool:     display.New(cfg.DisplaySettings.MaxDisplay),
		Launcher: process.NewExecLauncher(cfg.CaptureSettings.TerminateTimeout, log),
		Browsers: browser.NewChromedpLauncher(log),
		Prober:   redirect.NewCollyProber(cfg.CaptureSettings.ProbeTimeout, log),
		Packager: packager.ZipPackager{},
		Sink:     publish.Queue(publishChan),
		Guard:    cacheClient.NewInFlightHosts(cfg.CacheSettings.InFlightTtl),
		Metrics:  sink,
		Log:      log,
	}
	if cfg.CaptureSettings.ArchiveFallback {
		pipe.Archive = crawler.NewCrawlService(cfg.CrawlerSettings, log)
	}

	publishWg := &sync.WaitGroup{}
	panicChan := make(chan struct{}, cfg.PublishWorkers)
	publishWorker := &publish.PublishWorker{
		InputChan:  publishChan,
		OutputChan: resultChan,
		PanicChan:  panicChan,
		Cfg:        cfg,
		Log:        log,
		Db:         captureRepo,
		S3:         s3,
		Cache:      cache,
		Wg:         publishWg,
	}
	for i := 0; i < cfg.PublishWorkers; i++ {
		publishWg.Add(1)
		go publishWorker.Run()
	}
	// Restart workers if they panic.
	go func() {
		for range panicChan {
			publishWg.Add(1)
			go publishWorker.Run()
			time.Sleep(time.Minute) // avoid polluting logs if something unrecoverable happened
		}
	}()

	taskChan := make(chan *intake.Request, cfg.IntakeSettings.QueueSize)
	intakeWg := &sync.WaitGroup{}
	intakeWg.Add(1)
	go func() {
		defer intakeWg.Done()
		dispatcher := jobDispatcher{pipe: pipe, ctx: jobCtx}
		intake.NewFeeder(taskChan, dispatcher, cfg.IntakeSettings.RetryDelay, log, sink).Run(ctx)
	}()

	kafkaWg := &sync.WaitGroup{}
	if cfg.KafkaSettings.Enabled {
		kafkaWg.Add(2)
		go broker.NewKafkaConsumer(taskChan, cfg.KafkaSettings.Consumer, log, kafkaWg).Run(ctx)
		go broker.NewKafkaProducer(resultChan, cfg.KafkaSettings.Producer, log, kafkaWg).Run()
	}

	if cfg.SchedulerSettings.Enabled {
		startScheduler(ctx, jobCtx, intakeWg, pipe, sink)
	}

	if cfg.IntakeSettings.PromptEnabled {
		go func() {
			err := intake.NewPrompt(os.Stdin, os.Stdout, taskChan, log).Run(ctx)
			if errors.Is(err, intake.ErrExit) {
				log.Info("exit requested from prompt.")
				stop()
			} else if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("prompt stopped.", slog.String("err", err.Error()))
			}
		}()
	}

	// Graceful shutdown.
	// 1. Stop intake (prompt, Kafka consumer, feeder, scheduler) by system call or "exit"
	// 2. Wait till in-flight capture jobs are torn down; abort them after shutdown_timeout
	// 3. Close publishChan and wait till publish workers drain it. Close resultChan
	// 4. Wait till Kafka Producer writes remaining results. Close database and memcached connections
	<-ctx.Done()
	log.Info("stopping server...")
	intakeWg.Wait()
	waitForJobs(pipe, cancelJobs)
	close(publishChan)
	log.Info("close publishChan.")
	publishWg.Wait()
	close(panicChan)
	if resultChan != nil {
		close(resultChan)
		log.Info("close resultChan.")
	}
	kafkaWg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop http server.", slog.String("err", err.Error()))
	}
}

func startScheduler(ctx, jobCtx context.Context, wg *sync.WaitGroup, pipe *pipeline.Pipeline, sink metrics.Sink) {
	tasks, err := scheduler.LoadTasks(cfg.SchedulerSettings.TasksFile, log)
	if err != nil {
		log.Error("failed to load scheduled tasks.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	sched, err := scheduler.New(cfg.SchedulerSettings, tasks, jobDispatcher{pipe: pipe, ctx: jobCtx}, log, sink)
	if err != nil {
		log.Error("failed to create scheduler.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
}

// jobDispatcher runs dispatched jobs on the job context instead of the caller's.
type jobDispatcher struct {
	pipe *pipeline.Pipeline
	ctx  context.Context
}

func (d jobDispatcher) Dispatch(_ context.Context, job *model.CaptureJob) (int, error) {
	return d.pipe.Dispatch(d.ctx, job)
}

func waitForJobs(pipe *pipeline.Pipeline, cancelJobs context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		pipe.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("all capture jobs finished.")
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn("shutdown timeout reached. aborting capture jobs.", slog.Duration("timeout", cfg.ShutdownTimeout))
		cancelJobs()
		<-done
	}
}

func startServer(registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed.", slog.String("err", err.Error()))
		}
	}()
	return server
}

func setupBackends() {
	if cfg.DbSettings.Enabled {
		db = setupDatabase()
		captureRepo = persistence.NewCaptureRepository(db, log)
	} else {
		captureRepo = persistence.NopCaptureStorage{}
	}
	if cfg.S3Settings.Enabled {
		s3 = aws_s3.NewS3BucketClient(cfg.S3Settings, log)
	} else {
		s3 = aws_s3.NopBucketClient{}
	}
	if cfg.CacheSettings.Enabled {
		cache = cacheClient.NewMemcachedClient(cfg.CacheSettings, log)
	} else {
		cache = cacheClient.NopCachedClient{}
	}
}

func closeBackends() {
	cache.Close()
	if db != nil {
		closeDatabase()
	}
}

func setupLogger() *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "warn":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			NoColor:     false}))
	}

	logger = logger.With(slog.String("service", cfg.ServiceName))
	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	log.Info("connecting to the database...")
	sqlCfg := mysql.Config{
		User:                 cfg.DbSettings.User,
		Passwd:               cfg.DbSettings.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%s", cfg.DbSettings.Host, cfg.DbSettings.Port),
		DBName:               cfg.DbSettings.Name,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	database, err := sql.Open("mysql", sqlCfg.FormatDSN())
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		log.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr == nil {
			break
		}
		log.Error("not responding.", slog.String("err", pingErr.Error()))
		if i == maxRetry {
			log.Error("failed to establish database connection.")
			os.Exit(1)
		}
		log.Info(fmt.Sprintf("wait %d seconds", 5*i))
		time.Sleep(time.Duration(5*i) * time.Second)
	}
	log.Info("connected to the database!")

	return database
}

func closeDatabase() {
	log.Info("closing database connection.")
	if err := db.Close(); err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
