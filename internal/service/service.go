package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	redis_ipc "github.com/rescoot/redis-ipc"

	"github.com/librescoot/lifecycle-service/internal/config"
	"github.com/librescoot/lifecycle-service/internal/garagemode"
	"github.com/librescoot/lifecycle-service/internal/hardware"
	"github.com/librescoot/lifecycle-service/internal/journal"
	"github.com/librescoot/lifecycle-service/internal/power"
	"github.com/librescoot/lifecycle-service/internal/radio"
	"github.com/librescoot/lifecycle-service/internal/remote"
	"github.com/librescoot/lifecycle-service/internal/systemd"
	"github.com/librescoot/lifecycle-service/internal/telemetry"
)

const commandKey = "lifecycle:command"

type closer interface {
	Close() error
}

type Service struct {
	config        *config.Config
	logger        *log.Logger
	redis         *redis_ipc.Client
	standardRedis *redis.Client

	controller *power.Controller
	hardware   *hardware.Manager
	hwListener *hardware.RedisListener
	systemd    *systemd.Client
	radio      closer
	remote     *remote.Server
	jobs       *garagemode.JobMonitor
	garageMode *garagemode.GarageMode
	journal    *journal.Journal
	publisher  telemetry.Publisher
	reporter   *telemetry.Reporter
}

func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Service, error) {
	redisConfig := redis_ipc.Config{
		Address:       cfg.RedisHost,
		Port:          cfg.RedisPort,
		RetryInterval: 5 * time.Second,
		MaxRetries:    3,
	}

	redisClient, err := redis_ipc.New(redisConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	// Standard client for the hardware interface and garage mode jobs
	standardRedisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		DB:   0,
	})

	s := &Service{
		config:        cfg,
		logger:        logger,
		redis:         redisClient,
		standardRedis: standardRedisClient,
	}

	s.systemd, err = systemd.NewClient(logger, cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("failed to create systemd client: %w", err)
	}

	s.hardware, err = hardware.NewManager(ctx, standardRedisClient, logger, hardware.Options{
		GPIOChip:      cfg.DisplayGPIOChip,
		GPIOLine:      cfg.DisplayGPIOLine,
		BacklightPath: cfg.BacklightPath,
		Capabilities: hardware.Capabilities{
			DeepSleepAllowed:    cfg.DeepSleepAllowed,
			TimedWakeupAllowed:  cfg.TimedWakeupAllowed,
			PowerStateSupported: cfg.PowerStateSupported,
		},
		DryRun: cfg.DryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hardware manager: %w", err)
	}

	var wireless radio.Radio
	if cfg.DryRun {
		wireless = radio.NewDryRun(logger)
	} else {
		nm, err := radio.NewNetworkManager(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create radio control: %w", err)
		}
		wireless = nm
		s.radio = nm
	}
	keeper := radio.NewKeeper(wireless, radio.NewFlagStore(cfg.RadioStatePath(), logger), logger)

	s.controller = power.NewController(logger, power.Options{
		PollInterval:                  cfg.ShutdownPollingInterval,
		ShutdownBudget:                cfg.ShutdownBudget(),
		MaxSuspendWait:                cfg.MaxSuspendWait,
		DisableUserSwitchDuringResume: cfg.DisableUserSwitchDuringResume,
		Debug:                         cfg.Debug,
	}, power.Deps{
		HAL:     s.hardware,
		Display: s.hardware,
		System:  s.systemd,
		Radio:   keeper,
		Session: &sessionClient{redis: ipcWriter{redisClient}},
		Voice:   &voiceClient{redis: ipcWriter{redisClient}},
	})

	s.hwListener = hardware.NewRedisListener(ctx, standardRedisClient, s.controller, logger)
	s.jobs = garagemode.NewJobMonitor(ctx, standardRedisClient, logger)
	s.garageMode = garagemode.New(ctx, s.controller, s.jobs, standardRedisClient, logger)

	if cfg.JournalPath != "" {
		s.journal, err = journal.Open(cfg.JournalPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}

	if cfg.MQTTBroker != "" {
		pub, err := telemetry.NewRealPublisher(cfg.MQTTBroker)
		if err != nil {
			// Telemetry is optional; the service runs without it.
			logger.Printf("Failed to connect to MQTT broker %s: %v", cfg.MQTTBroker, err)
		} else {
			s.publisher = pub
		}
	}

	return s, nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.hardware.LoadCapabilities(); err != nil {
		s.logger.Printf("Using configured power hardware capabilities: %v", err)
	}

	if err := s.jobs.Start(); err != nil {
		return fmt.Errorf("failed to start garage mode job monitor: %w", err)
	}

	server, err := remote.NewServer(s.logger, s.config.SocketPath, s.controller, s.config.AllowRemoteCompletion)
	if err != nil {
		return fmt.Errorf("failed to create remote listener socket: %w", err)
	}
	s.remote = server

	s.controller.Register(&statePublisher{redis: ipcWriter{s.redis}, logger: s.logger})
	if s.journal != nil {
		s.controller.Register(s.journal)
	}
	if s.publisher != nil {
		s.reporter = telemetry.NewReporter(s.publisher, s.logger)
		s.controller.Register(s.reporter)
	}
	s.controller.RegisterWithCompletion(s.garageMode)

	s.redis.HandleRequests(commandKey, s.onCommand)

	s.controller.Init()
	s.hwListener.Start()

	done := make(chan struct{})
	go func() {
		s.controller.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	<-done

	s.shutdown()
	return nil
}

func (s *Service) onCommand(data []byte) error {
	return handleCommand(s.controller, s.logger, string(data))
}

func (s *Service) shutdown() {
	s.hwListener.Stop()
	s.jobs.Stop()

	if err := s.remote.Close(); err != nil {
		s.logger.Printf("Failed to close remote listener socket: %v", err)
	}
	if err := s.hardware.Close(); err != nil {
		s.logger.Printf("Failed to close hardware manager: %v", err)
	}
	if s.radio != nil {
		if err := s.radio.Close(); err != nil {
			s.logger.Printf("Failed to close radio control: %v", err)
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Printf("Failed to close journal: %v", err)
		}
	}
	if s.reporter != nil {
		s.reporter.Close()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if err := s.systemd.Close(); err != nil {
		s.logger.Printf("Failed to close systemd client: %v", err)
	}
	if err := s.standardRedis.Close(); err != nil {
		s.logger.Printf("Failed to close Redis client: %v", err)
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Printf("Failed to close Redis client: %v", err)
	}
}
