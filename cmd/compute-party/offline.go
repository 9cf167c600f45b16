package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/summitto/heartbeat-compute-party/internal/aesbridge"
	"github.com/summitto/heartbeat-compute-party/internal/config"
	"github.com/summitto/heartbeat-compute-party/internal/keyshare"
	"github.com/summitto/heartbeat-compute-party/internal/obelisk"
	"github.com/summitto/heartbeat-compute-party/internal/partykeys"
	"github.com/summitto/heartbeat-compute-party/internal/statusstore"
	"github.com/summitto/heartbeat-compute-party/internal/taskmanager"
	"github.com/summitto/heartbeat-compute-party/internal/timer"
)

func offlineCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "offline",
		Short: "Run the offline preprocessing phase (party 0 only) and distribute its output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOffline(*cfgPath)
		},
	}
}

func runOffline(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := newLogger(cfg.LogPretty)

	keys, err := partykeys.Load(partykeys.Config{
		ServerKey:  cfg.ServerKey,
		ServerCert: cfg.ServerCert,
		PartyIndex: cfg.PartyIndex,
		PartyCerts: cfg.PartyCerts,
	})
	if err != nil {
		return fmt.Errorf("loading party keys: %w", err)
	}

	status, err := statusstore.Open(cfg.StatusDBPath)
	if err != nil {
		return fmt.Errorf("opening status store: %w", err)
	}
	defer status.Close()

	tasks := taskmanager.New(taskmanager.Config{
		Keys:            keys,
		Decryptor:       keyshare.New(keys),
		Obelisk:         obelisk.New(cfg.ObeliskBaseURL, cfg.ObeliskTokenURL, cfg.ServerID, cfg.ServerSecret),
		Bridge:          aesbridge.New(cfg.AESBridgeBin, cfg.AESBridgeConfig),
		Status:          status,
		Timer:           timer.New(cfg.ResultsDir, cfg.PartyIndex, log),
		Logger:          log,
		ModelDir:        cfg.ModelDir,
		SharesFilePath:  cfg.SharesFilePath,
		InferenceBin:    cfg.InferenceBin,
		HostsFile:       cfg.HostsFile,
		OfflineBin:      cfg.OfflineBin,
		OfflineScpHosts: cfg.OfflineScpHosts,
	})

	if err := tasks.RunOffline(context.Background()); err != nil {
		return fmt.Errorf("offline phase failed: %w", err)
	}
	log.Info().Msg("offline phase complete")
	return nil
}
