package main

import (
	"fmt"

	"github.com/ensemblehq/ensemble/config"
	srv "github.com/ensemblehq/ensemble/internal/server"
	"github.com/spf13/cobra"
)

func migrateCMD() *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			var dsn string
			if cfg.Storage.Postgres.URL != "" {
				dsn = cfg.Storage.Postgres.URL
			} else {
				pg := cfg.Storage.Postgres
				if pg.Host == "" || pg.DBName == "" {
					return fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
				}
				port := pg.Port
				if port == 0 {
					port = 5432
				}
				ssl := pg.SSLMode
				if ssl == "" {
					ssl = "disable"
				}
				dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", pg.User, pg.Password, pg.Host, port, pg.DBName, ssl)
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
