package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/monosecom/services/telemetry/internal/core"
	"example.com/monosecom/services/telemetry/internal/infrastructure"
	"example.com/monosecom/services/telemetry/internal/notify"
)

var (
	replayStrays     bool
	replayDeadLetter bool
	replayLimit      int
	replayDryRun     bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay stray or dead-lettered uplinks through the ingest pipeline",
	Long: `Replays recorded uplinks through the judgment pipeline.
Strays become replayable once their SIM has been registered; dead-lettered
uplinks are retried after the persistence failure that parked them is fixed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay()
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().BoolVar(&replayStrays, "strays", false, "Replay stray telemetry for since-registered devices")
	replayCmd.Flags().BoolVar(&replayDeadLetter, "dead-letter", false, "Replay the dead-letter log")
	replayCmd.Flags().IntVarP(&replayLimit, "limit", "l", 1000, "Maximum number of uplinks to process")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Show what would be replayed without processing")
}

func runReplay() error {
	if !replayStrays && !replayDeadLetter {
		return fmt.Errorf("must specify --strays or --dead-letter")
	}

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		return fmt.Errorf("cache connection failed: %w", err)
	}
	defer cache.Close()

	dataStore := core.NewDataStore(db.DB)
	engine := core.NewJudgmentEngine(signalClassifier(cfg.Protocol), cfg.History.Retention)
	devices := core.NewDeviceService(dataStore, cache, logger)

	var notifier core.Notifier
	if webhook := notify.NewWebhookNotifier(cfg.Notifier, logger); webhook != nil {
		notifier = webhook
	}

	// No dead-letter sink here: a replay that fails persistence again
	// stays in its source log for the next run.
	ingest := core.NewIngestService(dataStore, devices, engine, nil, notifier,
		nil, cfg.Control.CorrelationWindow, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if replayStrays {
		if err := replayStrayRows(ctx, ingest); err != nil {
			return err
		}
	}
	if replayDeadLetter {
		if err := replayDeadLetterLog(ctx, ingest); err != nil {
			return err
		}
	}
	return nil
}

func replayStrayRows(ctx context.Context, ingest *core.IngestService) error {
	strays, err := ingest.ListStrays(ctx, true, replayLimit)
	if err != nil {
		return fmt.Errorf("failed to list strays: %w", err)
	}
	logger.Infof("Found %d unreplayed strays", len(strays))

	var replayed, skipped int
	for _, stray := range strays {
		if replayDryRun {
			logger.WithField("iccid", stray.ICCID).Info("Would replay stray")
			continue
		}

		_, err := ingest.HandleUplink(ctx, stray.ICCID, []byte(stray.Payload))
		if err != nil {
			// Still unregistered or still malformed; leave for a later run.
			skipped++
			continue
		}
		if err := ingest.MarkStrayReplayed(ctx, stray.ID); err != nil {
			logger.WithError(err).WithField("stray_id", stray.ID).Warn("Failed to mark stray replayed")
		}
		replayed++
	}

	logger.Infof("Stray replay complete: %d replayed, %d skipped", replayed, skipped)
	return nil
}

func replayDeadLetterLog(ctx context.Context, ingest *core.IngestService) error {
	wal, err := infrastructure.NewDeadLetterLog(cfg.Storage.DeadLetterPath)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	defer wal.Close()

	entries, err := wal.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read dead-letter log: %w", err)
	}
	logger.Infof("Found %d dead-lettered uplinks", len(entries))

	if replayDryRun {
		for _, entry := range entries {
			logger.WithFields(map[string]interface{}{
				"iccid":  entry.ICCID,
				"reason": entry.Reason,
			}).Info("Would replay dead-lettered uplink")
		}
		return nil
	}

	var replayed, failed int
	for i, entry := range entries {
		if i >= replayLimit {
			break
		}
		if _, err := ingest.HandleUplink(ctx, entry.ICCID, []byte(entry.Payload)); err != nil {
			failed++
			logger.WithError(err).WithField("iccid", entry.ICCID).Warn("Dead-letter replay failed")
			continue
		}
		replayed++
	}

	if failed == 0 && !replayDryRun {
		if err := wal.Truncate(); err != nil {
			logger.WithError(err).Warn("Failed to truncate dead-letter log")
		}
	}

	logger.Infof("Dead-letter replay complete: %d replayed, %d failed", replayed, failed)
	return nil
}
