package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"motionforge/internal/config"
	"motionforge/internal/service/session"
	"motionforge/internal/storage"
)

// openDatabase loads config and opens the migrated database chosen by MOTIONFORGE_DB.
func openDatabase(cfgPath string) (*config.Config, *sql.DB, string, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, "", fmt.Errorf("load config: %w", err)
	}
	dbType := getenv("MOTIONFORGE_DB", "sqlite3")
	log.Printf("dbType: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, nil, "", fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, nil, "", fmt.Errorf("migrate database: %w", err)
	}
	return cfg, db, dbType, nil
}

func migrateCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the session tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, dbType, err := openDatabase(*cfgPath)
			if err != nil {
				return err
			}
			defer db.Close()
			log.Printf("migrated %s database", dbType)
			return nil
		},
	}
}

func purgeCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired sessions and their files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, _, err := openDatabase(*cfgPath)
			if err != nil {
				return err
			}
			defer db.Close()
			ttl := time.Duration(cfg.BasicConfig.SessionTTL) * time.Minute
			sessions := session.NewService(db, cfg.BasicConfig.SessionBaseDir, ttl)
			n, err := sessions.CleanupExpired(context.Background())
			if err != nil {
				return err
			}
			log.Printf("purged %d expired sessions", n)
			return nil
		},
	}
}
