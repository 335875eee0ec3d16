package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewcall/crewcall/config"
	"github.com/crewcall/crewcall/core/ledger"
	"github.com/crewcall/crewcall/infra/logger"
	"github.com/crewcall/crewcall/infra/sqlite"
)

var (
	grantOwner   string
	grantAmount  int
	grantSource  string
	grantRef     string
	grantExpires string
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant message credits to an account",
	RunE:  runGrant,
}

func init() {
	grantCmd.Flags().StringVar(&grantOwner, "owner", "", "account owner id")
	grantCmd.Flags().IntVar(&grantAmount, "amount", 0, "credits to grant")
	grantCmd.Flags().StringVar(&grantSource, "source", string(ledger.SourceAdmin), "grant source (trial, subscription, bundle, admin)")
	grantCmd.Flags().StringVar(&grantRef, "ref", "", "external reference (invoice, plan id)")
	grantCmd.Flags().StringVar(&grantExpires, "expires", "", "expiry as RFC3339 timestamp, empty for non-expiring")
	_ = grantCmd.MarkFlagRequired("owner")
	_ = grantCmd.MarkFlagRequired("amount")
	rootCmd.AddCommand(grantCmd)
}

func runGrant(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var expiresAt *time.Time
	if grantExpires != "" {
		t, err := time.Parse(time.RFC3339, grantExpires)
		if err != nil {
			return fmt.Errorf("parse expires: %w", err)
		}
		expiresAt = &t
	}

	led := sqlite.NewLedgerStore(db, logger.New("grant-command"))
	grant, err := led.Grant(context.Background(), grantOwner, ledger.SourceType(grantSource), grantAmount, grantRef, expiresAt)
	if err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	cmd.Printf("granted %d credits to %s (grant %s)\n", grant.Granted, grant.OwnerID, grant.ID)
	return nil
}
