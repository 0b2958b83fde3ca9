package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/web"
)

// ensureBootstrapAccount creates the configured local account on first
// start. The server has no registration surface, so without it a fresh
// instance would have nobody to federate as.
func ensureBootstrapAccount(database *db.DB, username string) error {
	if username == "" {
		return nil
	}
	username = strings.ToLower(username)

	err, existing := database.ReadAccByUsername(username)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	keys := util.GeneratePemKeypair()
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		CreatedAt:     time.Now(),
		WebPublicKey:  keys.Public,
		WebPrivateKey: keys.Private,
	}
	if err := database.CreateAccount(acc); err != nil {
		return err
	}
	slog.Info("created bootstrap account", "username", username)
	return nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	conf, err := util.ReadConf()
	if err != nil {
		slog.Error("failed to read configuration", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"host", conf.Conf.Host,
		"httpPort", conf.Conf.HttpPort,
		"sslDomain", conf.Conf.SslDomain,
		"autoAcceptFollows", conf.Conf.AutoAcceptFollows,
		"deliveryWorkers", conf.Conf.DeliveryWorkers)

	database := db.GetDB()

	if err := ensureBootstrapAccount(database, conf.Conf.BootstrapUser); err != nil {
		slog.Error("failed to create bootstrap account", "err", err)
		os.Exit(1)
	}

	host := conf.Conf.SslDomain
	outbox := activitypub.NewOutbox(database, host)
	resolver := activitypub.NewResolver(database, host)
	follows := activitypub.NewFollows(database, outbox, conf.Conf.AutoAcceptFollows)
	processor := activitypub.NewProcessor(database, resolver, follows, outbox)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := time.Duration(conf.Conf.DeliveryInterval) * time.Second
	for i := 0; i < conf.Conf.DeliveryWorkers; i++ {
		worker := activitypub.NewDeliveryWorker(database, host)
		go worker.Start(ctx, interval)
	}

	router := web.NewRouter(&web.Server{
		DB:        database,
		Conf:      conf,
		Processor: processor,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.Conf.HttpPort),
		Handler: router,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("starting http server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "err", err)
		os.Exit(1)
	}
}
