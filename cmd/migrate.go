package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"example.com/monosecom/services/telemetry/internal/core"
	"example.com/monosecom/services/telemetry/internal/infrastructure"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations to ensure the schema is up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.Info("Migrating models...")

	models := []interface{}{
		&core.Device{},
		&core.DeviceState{},
		&core.TagState{},
		&core.HistoryEvent{},
		&core.RemoteControlRequest{},
		&core.StrayTelemetry{},
		&core.AccessToken{},
	}

	for _, model := range models {
		if err := db.DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	// One pending control per device, enforced by the store so concurrent
	// Execute calls cannot both insert. Partial indexes are outside
	// AutoMigrate's vocabulary.
	logger.Info("Creating partial indexes...")
	if err := db.DB.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_pending_control_per_device
		 ON remote_control_requests (device_id) WHERE status = 'pending'`,
	).Error; err != nil {
		return fmt.Errorf("failed to create pending-control index: %w", err)
	}

	if err := insertDefaultData(db); err != nil {
		logger.WithError(err).Warn("Failed to insert default data")
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

func insertDefaultData(db *infrastructure.Database) error {
	var count int64
	if err := db.DB.Model(&core.AccessToken{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	logger.Info("Creating bootstrap admin token...")

	token := core.AccessToken{
		Token:       uuid.New().String(),
		Description: "bootstrap admin token",
		Active:      true,
		Scopes:      core.ScopeList{"admin"},
	}
	if err := db.DB.Create(&token).Error; err != nil {
		return err
	}

	logger.WithField("token", token.Token).Warn("Bootstrap admin token created, rotate it before production use")
	return nil
}
