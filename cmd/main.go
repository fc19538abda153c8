package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"quorumkv/internal/configuration"
	"quorumkv/internal/kv"
	"quorumkv/internal/logging"
	"quorumkv/internal/metrics"
	"quorumkv/internal/raft"
	"quorumkv/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	props, err := configuration.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Init(props.App.LogLevel)
	slog.Info("starting quorumkv", "node", props.Raft.NodeID)

	var metricsSrv *metrics.Server
	if props.App.MetricsPort != "" {
		metricsSrv = metrics.NewServer(":" + props.App.MetricsPort)
		metricsSrv.Start()
	}

	store := kv.NewStore()
	svc := kv.NewService(store)

	advertise, err := raft.ParseNodeAddr(props.Transport.RaftAddr())
	if err != nil {
		slog.Error("invalid raft address", "error", err)
		os.Exit(1)
	}

	eng, err := raft.NewEngine(raft.Config{
		NodeID:            props.Raft.NodeID,
		DataDir:           props.Raft.DataDir,
		ListenAddr:        props.Transport.RaftAddr(),
		AdvertiseAddr:     advertise,
		Interval:          props.Raft.Interval.Std(),
		RequestTimeout:    props.Raft.RequestTimeout.Std(),
		ElectionTimeout:   props.Raft.ElectionTimeout.Std(),
		ReconnectInterval: props.Raft.ReconnectInterval.Std(),
		MaxLogEntries:     props.Raft.MaxLogEntries,
		MaxSizePerMsg:     props.Raft.MaxSizePerMsg,
		MaxInflightMsgs:   props.Raft.MaxInflightMsgs,
		LogNoSync:         props.Raft.LogNoSync,
	}, svc)
	if err != nil {
		slog.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	srv := server.New(eng, svc)
	if err := srv.Start(props.Transport.ClientAddr()); err != nil {
		slog.Error("failed to start client server", "error", err)
		os.Exit(1)
	}

	slog.Info("quorumkv ready",
		"raft_addr", props.Transport.RaftAddr(),
		"client_addr", props.Transport.ClientAddr(),
	)
	<-ctx.Done()

	slog.Info("shutting down")
	srv.Stop()
	if err := eng.Stop(); err != nil {
		slog.Error("engine shutdown error", "error", err)
	}
	if metricsSrv != nil {
		metricsSrv.Stop()
	}
	slog.Info("shutdown complete")
}
