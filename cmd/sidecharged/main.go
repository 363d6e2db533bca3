// SideCharge Fleet Orchestrator
// Main entry point for the cloud-side demand-response orchestration daemon.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidecharge/orchestrator/internal/cloudlink"
	"github.com/sidecharge/orchestrator/internal/cmdauth"
	"github.com/sidecharge/orchestrator/internal/config"
	"github.com/sidecharge/orchestrator/internal/gateway"
	"github.com/sidecharge/orchestrator/internal/objectstore"
	"github.com/sidecharge/orchestrator/internal/orchestrator"
	"github.com/sidecharge/orchestrator/internal/ota"
	"github.com/sidecharge/orchestrator/internal/scheduler"
	"github.com/sidecharge/orchestrator/internal/store"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "sidecharged",
		Short: "SideCharge fleet orchestrator",
		Long:  "Cloud-side orchestration core for a demand-response EV-charger fleet: wire-format codec, scheduler, delta OTA engine and closed-loop convergence.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration daemon",
		RunE:  runDaemon,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sidecharged v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/sidecharge/orchestrator.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var cmdAuthKey []byte
	if cfg.CmdAuth.Enabled {
		cmdAuthKey, err = hex.DecodeString(cfg.CmdAuth.KeyHex)
		if err != nil {
			return fmt.Errorf("invalid cmd_auth.key_hex: %w", err)
		}
		if len(cmdAuthKey) != cmdauth.KeySize {
			return fmt.Errorf("cmd_auth.key_hex must decode to %d bytes", cmdauth.KeySize)
		}
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	images, err := objectstore.New(cfg.OTA.CacheDir)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	gwCfg := gateway.DefaultConfig()
	if cfg.Gateway.EventURL != "" {
		gwCfg.EventURL = cfg.Gateway.EventURL
	}
	if cfg.Gateway.CommandURL != "" {
		gwCfg.CommandURL = cfg.Gateway.CommandURL
	}
	gw := gateway.New(gwCfg, log.New(os.Stdout, "[gateway] ", log.LstdFlags))

	downlink := orchestrator.NewDownlink(db, gw, cmdAuthKey)

	carbon := scheduler.NewCarbonClient(scheduler.CarbonConfig{
		LoginURL: cfg.Scheduler.CarbonLoginURL,
		MOERURL:  cfg.Scheduler.CarbonMOERURL,
		Username: cfg.Scheduler.CarbonUsername,
		Password: cfg.Scheduler.CarbonPassword,
	})
	carbon.SetLogger(log.New(os.Stdout, "[scheduler] ", log.LstdFlags))
	sched := scheduler.New(db, carbon, downlink, scheduler.Config{MOERThreshold: cfg.Scheduler.MOERThreshold})

	otaMgr := ota.New(db, images, downlink)
	otaMgr.SetLogger(log.New(os.Stdout, "[ota] ", log.LstdFlags))
	if cfg.OTA.SigningPublicKey != "" {
		raw, err := os.ReadFile(cfg.OTA.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("failed to read ota.signing_public_key_path: %w", err)
		}
		pub, err := ota.ParsePublicKey(raw)
		if err != nil {
			return fmt.Errorf("invalid ota.signing_public_key_path: %w", err)
		}
		otaMgr.SetSigningKey(pub)
	}

	var publisher *cloudlink.Client
	var orchPublisher orchestrator.Publisher
	if cfg.CloudLink.URL != "" {
		clCfg := cloudlink.DefaultConfig()
		clCfg.URL = cfg.CloudLink.URL
		clCfg.PropertyUID = cfg.CloudLink.PropertyUID
		clCfg.APIKey = cfg.CloudLink.APIKey
		publisher = cloudlink.New(clCfg, log.New(os.Stdout, "[cloudlink] ", log.LstdFlags))
		orchPublisher = publisher
	}

	orch := orchestrator.New(db, gw, sched, otaMgr, images, cfg.OTA.Bucket, cmdAuthKey, orchPublisher, log.New(os.Stdout, "[orchestrator] ", log.LstdFlags))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Println("starting sidecharged")
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if publisher != nil {
		publisher.SetForceResendCallback(func(shortID string) {
			if err := orch.ForceResend(ctx, shortID); err != nil {
				log.Printf("force resend for %s failed: %v", shortID, err)
			}
		})
		publisher.SetFirmwareStagedCallback(func(bucket, key string, version uint32) {
			if err := orch.PollNewFirmware(ctx); err != nil {
				log.Printf("firmware poll after staged notice failed: %v", err)
			}
		})
		if err := publisher.Start(ctx); err != nil {
			log.Printf("cloud link start failed, continuing without it: %v", err)
		}
	}

	schedulerTicker := time.NewTicker(cfg.SchedulerTickInterval())
	defer schedulerTicker.Stop()
	otaRetryTicker := time.NewTicker(cfg.OTARetryInterval())
	defer otaRetryTicker.Stop()
	firmwarePollTicker := time.NewTicker(cfg.OTARetryInterval())
	defer firmwarePollTicker.Stop()
	expireTicker := time.NewTicker(24 * time.Hour)
	defer expireTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-schedulerTicker.C:
				if err := orch.RunSchedulerTick(ctx); err != nil {
					log.Printf("scheduler tick failed: %v", err)
				}
			case <-otaRetryTicker.C:
				if err := orch.RunOTARetryTick(ctx); err != nil {
					log.Printf("ota retry tick failed: %v", err)
				}
			case <-firmwarePollTicker.C:
				if cfg.OTA.Bucket != "" {
					if err := orch.PollNewFirmware(ctx); err != nil {
						log.Printf("firmware poll failed: %v", err)
					}
				}
			case <-expireTicker.C:
				if n, err := db.ExpireEvents(time.Now()); err != nil {
					log.Printf("event expiry sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("expired %d stale event rows", n)
				}
			}
		}
	}()

	sig := <-sigChan
	log.Printf("received signal %v, shutting down...", sig)
	cancel()

	if err := gw.Stop(); err != nil {
		log.Printf("error stopping gateway: %v", err)
	}
	if publisher != nil {
		if err := publisher.Stop(); err != nil {
			log.Printf("error stopping cloud link: %v", err)
		}
	}

	log.Println("shutdown complete")
	return nil
}
