// Command pbxcore is the PBX signalling core's process entrypoint: it
// loads configuration, opens the database, wires the registry/authorize/
// manager/context collaborators, and runs the worker supervisor until a
// signal asks it to stop. Grounded on the teacher's cmd/flowpbx/main.go
// overall shape (load config, open db, build collaborators, start,
// block on signals, shut down with a timeout) and
// original_source/Server/main.cpp's uuid-file load/persist step and
// exit-code-above-89-means-ConfigFatal convention.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/pbxcore/pbxcore/internal/authorize"
	"github.com/pbxcore/pbxcore/internal/config"
	"github.com/pbxcore/pbxcore/internal/database"
	"github.com/pbxcore/pbxcore/internal/database/models"
	"github.com/pbxcore/pbxcore/internal/event"
	"github.com/pbxcore/pbxcore/internal/manager"
	"github.com/pbxcore/pbxcore/internal/registry"
	"github.com/pbxcore/pbxcore/internal/sdnotify"
	"github.com/pbxcore/pbxcore/internal/server"
	"github.com/pbxcore/pbxcore/internal/sipcontext"
)

// Exit codes above 89 signal configuration or startup failure, per
// spec.md §7's ConfigFatal convention.
const (
	exitConfigInvalid     = 90
	exitDataDirFailed     = 91
	exitDatabaseFailed    = 92
	exitAuthorizeFailed   = 93
	exitContextBindFailed = 94
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	snap := cfg.Current()

	logger := slog.New(snap.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting pbxcore",
		"address", snap.Address, "port", snap.Port, "host", snap.Host, "data_dir", snap.DataDir)

	if err := os.MkdirAll(snap.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(exitDataDirFailed)
	}

	nodeUUID, err := loadOrCreateUUID(snap.DataDir)
	if err != nil {
		logger.Error("failed to load node uuid", "error", err)
		os.Exit(exitDataDirFailed)
	}

	db, err := database.Open(snap.DataDir)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(exitDatabaseFailed)
	}
	defer db.Close()

	ctx := context.Background()
	configRepo := database.NewConfigRepository(db)
	if err := configRepo.PutSwitches(ctx, &models.Switches{UUID: nodeUUID, Version: "dev"}); err != nil {
		logger.Error("failed to record switches row", "error", err)
		os.Exit(exitDatabaseFailed)
	}

	dbConfig, err := configRepo.Get(ctx)
	if err != nil {
		logger.Error("failed to load config row", "error", err)
		os.Exit(exitDatabaseFailed)
	}

	reg := registry.New()

	az, err := authorize.New(snap.DataDir, reg)
	if err != nil {
		logger.Error("failed to start authorize worker", "error", err)
		os.Exit(exitAuthorizeFailed)
	}
	defer az.Close()

	outbox := database.NewOutboxRepository(db)
	roster := database.NewRosterRepository(db)
	mgr := manager.New(reg, az, outbox, roster, logger)

	realm := snap.Network
	if dbConfig != nil && dbConfig.Realm != "" {
		realm = dbConfig.Realm
	}
	mgr.ApplyConfig(manager.Config{
		Realm:     realm,
		Hostname:  snap.Host,
		Aliases:   snap.Aliases,
		LocalUUID: nodeUUID,
	})

	notifier, err := sdnotify.New()
	if err != nil {
		logger.Warn("sd_notify unavailable", "error", err)
	}
	defer notifier.Close()

	sup := server.New(logger)
	sup.OnReload(func() {
		if err := cfg.Reload(); err != nil {
			logger.Error("config reload failed", "error", err)
			return
		}
		fresh := cfg.Current()
		realm := fresh.Network
		if dbConfig != nil && dbConfig.Realm != "" {
			realm = dbConfig.Realm
		}
		mgr.ApplyConfig(manager.Config{
			Realm: realm, Hostname: fresh.Host, Aliases: fresh.Aliases, LocalUUID: nodeUUID,
		})
	})

	udpContext, err := sipcontext.New(snap.Address, snap.Port, sipcontext.UDP,
		sipcontext.AllowRegistry|sipcontext.AllowRemote, append([]string{snap.Host}, snap.Aliases...), logger)
	if err != nil {
		logger.Error("failed to create udp context", "error", err)
		os.Exit(exitContextBindFailed)
	}
	udpContext.Register(sipcontext.Handlers{
		OnRegister: func(ev *event.Event) sipcontext.Response { return mgr.HandleRegister(ctx, ev) },
		OnMessage:  func(ev *event.Event) sipcontext.Response { return mgr.HandleMessage(ctx, ev) },
		OnOptions:  func(ev *event.Event) sipcontext.Response { return sipcontext.Response{Code: 200, Reason: "OK"} },
		OnTick:     mgr.Sweep,
	})
	mgr.RegisterContext(udpContext)

	sup.Add(server.Worker{Name: "sip-udp", Order: 1, Run: udpContext.Start})

	go func() {
		if err := notifier.Ready(); err != nil {
			logger.Warn("sd_notify READY failed", "error", err)
		}
		_ = notifier.Status("serving")
	}()

	logger.Info("pbxcore ready")

	if err := sup.Run(context.Background()); err != nil {
		logger.Error("supervisor exited with error", "error", err)
	}

	_ = notifier.Stopping()
	logger.Info("pbxcore stopped")
}

// loadOrCreateUUID mirrors original_source/Server/main.cpp's uuid-file
// handling: create a fresh UUID next to the data directory on first run,
// otherwise read back the one already stored there.
func loadOrCreateUUID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "pbxcore.uuid")

	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing uuid file: %w", err)
	}
	return id, nil
}
