// Command fluidtail connects to a document and prints its sequenced
// operations as they arrive, catching up over the history endpoint first.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	fluidsync "github.com/fluidsync/client-go"
	"github.com/fluidsync/client-go/boltcache"
	"github.com/fluidsync/client-go/deltamanager"
	"github.com/fluidsync/client-go/epoch"
	"github.com/fluidsync/client-go/internal/config"
	"github.com/fluidsync/client-go/wsdriver"
)

type printHandler struct {
	logger *zap.Logger
}

func (h *printHandler) Process(msg fluidsync.SequencedMessage) (fluidsync.ProcessResult, error) {
	fmt.Printf("%8d  %-8s  client=%s csn=%d msn=%d\n",
		msg.SequenceNumber, msg.Type, msg.ClientID, msg.ClientSequenceNumber, msg.MinimumSequenceNumber)
	return fluidsync.ProcessResult{}, nil
}

func (h *printHandler) ProcessSignal(sig fluidsync.Signal) error {
	fmt.Printf("  signal  client=%s content=%s\n", sig.ClientID, sig.Content)
	return nil
}

func main() {
	configPath := flag.String("config", "fluidtail.yaml", "path to config file")
	fromSeq := flag.Int64("from", 0, "sequence number to start from")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fluidtail:", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fluidtail:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cache, err := boltcache.Open(cfg.CacheDir)
	if err != nil {
		logger.Fatal("opening cache", zap.Error(err))
	}
	defer cache.Close()

	tracker := epoch.NewTracker(cache, epoch.WithLogger(logger))
	if err := tracker.SetFileEntry(fluidsync.FileEntry{DocumentID: cfg.DocumentID}); err != nil {
		logger.Fatal("configuring tracker", zap.Error(err))
	}

	service := wsdriver.NewService(wsdriver.ServiceConfig{
		SocketURL:  cfg.SocketURL,
		StorageURL: cfg.StorageURL,
		DocumentID: cfg.DocumentID,
		Tracker:    tracker,
		Logger:     logger,
	})

	mgrCfg := deltamanager.DefaultConfig()
	mgrCfg.Client = fluidsync.ClientDetails{UserID: cfg.UserID, Environment: "fluidtail"}
	mgr := deltamanager.New(service, mgrCfg, deltamanager.Events{
		Disconnect: func(reason string) {
			logger.Info("disconnected", zap.String("reason", reason))
		},
		Error: func(err error) {
			logger.Error("delta manager failed", zap.Error(err))
		},
		CaughtUp: func() {
			logger.Info("caught up")
		},
	}, logger)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	details, err := mgr.Connect(ctx, "fluidtail")
	cancel()
	if err != nil {
		logger.Fatal("connecting", zap.Error(err))
	}
	logger.Info("connected",
		zap.String("clientId", details.ClientID),
		zap.String("mode", string(details.Mode)))

	mgr.AttachOpHandler(*fromSeq, *fromSeq, &printHandler{logger: logger}, true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
}
