package cmd

import (
	"example.com/memorix/pkg/database"
	"example.com/memorix/services/card/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close(db)

		log.Info().Msg("Running database migrations")
		if err := models.SetupModels(db); err != nil {
			return errors.Wrap(err, "failed to run migrations")
		}
		log.Info().Msg("Database migrations completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
