package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"schedule/core"
	"schedule/core/autoresponder"
	"schedule/core/backup"
	"schedule/core/billing"
	"schedule/core/db"
	"schedule/core/stats"
	"schedule/env"
	"schedule/notify"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func main() {
	// Set up structured logging
	nowStr := time.Now().Format("060102_150405")
	logFile, err := os.Create(fmt.Sprintf("schedule_%s.log", nowStr))
	if err != nil {
		fmt.Printf("error creating a log file: %v\n", err)
		return
	}
	logger := slog.New(slog.NewTextHandler(logFile, nil))
	slog.SetDefault(logger)

	// Load environment configuration
	environment, err := env.LoadEnvironment()
	if err != nil {
		slog.Error(fmt.Sprintf("error loading environment yaml: %s", err))
		return
	}

	// Open a database connection.
	slog.Info(environment.DbName)
	database, err := db.Open(environment.DbName)
	if err != nil {
		slog.Error(fmt.Sprintf("could not open database: %s", err))
		return
	}
	defer database.Close()

	clock := realClock{}
	mailer := newMailer(environment)
	timer := core.NewTimer(clock, core.DefaultGrace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Arm the daily jobs.  Each one re-arms itself after every firing.
	if environment.Jobs.EnableStats {
		timer.Start(stats.NewRollover(database, clock))
	}
	if environment.Jobs.EnableBilling {
		transfer := &billing.APIClient{URL: environment.Jobs.TransferURL}
		timer.Start(billing.NewEngine(database, clock, transfer, mailer))
	}
	if environment.Jobs.EnableAutoresponder {
		timer.Start(autoresponder.NewSweep(database, mailer))
	}

	// The snapshot/finalize loop runs on the block production period
	// rather than a wall clock target.
	if environment.Jobs.EnableBackup {
		service := backup.NewService(database,
			backup.DirSink{Dir: environment.LogDirectory},
			backup.DirSink{Dir: environment.DataDirectory},
			clock, environment.Jobs.BackupTick, environment.BlockCapacity)
		go service.Run(ctx)
	}

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(environment.MetricsAddr, nil); err != nil {
			slog.Error(fmt.Sprintf("metrics server stopped: %s", err))
		}
	}()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt)
	<-sigch
}

func newMailer(environment *env.Environment) notify.Mailer {
	if environment.Smtp.Host == "" {
		slog.Info("no smtp host configured, notices will only be logged")
		return notify.LogMailer{}
	}
	m, err := notify.NewSmtpMailer(environment.Smtp.Host, environment.Smtp.Port,
		environment.Smtp.Username, environment.Smtp.Password, environment.Smtp.From)
	if err != nil {
		slog.Error(fmt.Sprintf("could not create smtp mailer, falling back to logging: %s", err))
		return notify.LogMailer{}
	}
	return m
}
