// @title        UPS failsafe API
// @version      1.0
// @description  Read-only status and event journal of the UPS power failsafe supervisor.
// @host         localhost:8080
// @BasePath     /
// @securityDefinitions.apikey BearerAuth
// @in           header
// @name         Authorization
// @description  Type "Bearer" followed by a space and the JWT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ups_failsafe/internal/config"
	"ups_failsafe/internal/failsafe"
	"ups_failsafe/internal/handlers"
	"ups_failsafe/internal/logger"
	"ups_failsafe/internal/mqtt"
	"ups_failsafe/internal/notify"
	"ups_failsafe/internal/remote"
	"ups_failsafe/internal/repository"
	"ups_failsafe/internal/repository/db"
	"ups_failsafe/internal/server"
	"ups_failsafe/internal/service"
	"ups_failsafe/internal/snmp"
)

const (
	shutdownTimeout = 10 * time.Second
	journalBuffer   = 256
)

func main() {
	configPath := flag.String("config", "", "path to config file (default configs/config.yml)")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of a password for http.operator_password_hash and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := service.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}

	// init logger
	log := logger.Get(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	// open DB
	log.Infow("opening journal", "path", cfg.DB.Path)
	sqlDB, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()
	repos := repository.NewRepository(sqlDB)

	// journal runs on its own context so it outlives the supervisor and flushes its last events
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	journal := service.NewJournalService(repos.EventRepo, log.Named("journal"), journalBuffer)
	go journal.Run(journalCtx)

	source, err := snmp.NewSource(snmp.Config{
		Address:   cfg.Device.Address,
		Port:      cfg.Device.Port,
		Community: cfg.Device.Community,
		Version:   cfg.Device.Version,
		Timeout:   cfg.Device.Timeout,
		Retries:   cfg.Device.Retries,
	})
	if err != nil {
		log.Fatalw("invalid device config", "err", err)
	}

	sink, err := newSink(cfg.Discord, log)
	if err != nil {
		log.Fatalw("invalid discord config", "err", err)
	}
	notes := failsafe.NewCoalescer(sink, log.Named("notify"))

	executor, err := remote.NewSSHExecutor(remote.Config{
		KnownHostsFile: cfg.SSH.KnownHosts,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
	}, log.Named("ssh"))
	if err != nil {
		log.Fatalw("invalid ssh config", "err", err)
	}
	orchestrator := failsafe.NewShutdownOrchestrator(executor, notes, journal, failsafe.OrchestratorConfig{
		Command:        cfg.Failsafe.ShutdownCommand,
		Concurrency:    cfg.Failsafe.ShutdownConcurrency,
		CommandTimeout: cfg.Failsafe.CommandTimeout,
		Channel:        cfg.Failsafe.StatusChannel,
	}, log.Named("shutdown"))

	if len(cfg.Hosts) == 0 {
		log.Warnw("no_hosts_configured", "msg", "the failsafe will notify but power off nothing")
	}
	sup, err := failsafe.NewSupervisor(failsafe.Config{
		GracePeriod:   cfg.Failsafe.GracePeriod,
		PollInterval:  cfg.Device.PollInterval,
		StatusChannel: cfg.Failsafe.StatusChannel,
		Hosts:         cfg.Hosts,
	}, source, notes, orchestrator, journal, log.Named("failsafe"))
	if err != nil {
		log.Fatalw("invalid failsafe config", "err", err)
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		publisher, err = mqtt.Connect(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, log.Named("mqtt"))
		if err != nil {
			// status broadcast is optional; the failsafe keeps running without it
			log.Errorw("mqtt_disabled", "err", err)
		} else {
			sup.AddObserver(publisher)
		}
	}

	// wire API
	services := service.NewService(repos, sup, cfg.HTTP.JWTSecret)
	if cfg.HTTP.OperatorUsername != "" {
		if err := services.EnsureOperator(cfg.HTTP.OperatorUsername, cfg.HTTP.OperatorPasswordHash); err != nil {
			log.Fatalw("failed to provision operator", "err", err)
		}
	}
	apiHandler := handlers.NewHandler(services, log.Named("http"))

	// context for the supervisor loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		sup.Run(ctx)
	}()

	// start HTTP server
	srv := &server.Server{}
	runHTTPServer(srv, cfg.HTTP.Port, apiHandler, log)

	// graceful shutdown
	waitForSignal(log)
	cancel()
	<-supDone
	// a started emergency shutdown runs to completion
	sup.Wait()
	notes.Wait()
	stopJournal()
	<-journal.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
	if publisher != nil {
		publisher.Close()
	}
	log.Infow("stopped", "journal_dropped", journal.Dropped())
}

// newSink posts to Discord when a webhook is configured, otherwise notifications go to the log.
func newSink(cfg config.DiscordConfig, log *logger.Logger) (failsafe.Sink, error) {
	if cfg.WebhookURL == "" {
		log.Infow("discord webhook not configured; notifications are logged only")
		return notify.NewLogSink(log.Named("notice")), nil
	}
	hook, err := notify.NewDiscordWebhook(cfg.WebhookURL, cfg.Username)
	if err != nil {
		return nil, err
	}
	return hook, nil
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

func waitForSignal(log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infow("shutting down", "signal", sig.String())
}
