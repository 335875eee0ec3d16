package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewcall/crewcall/app"
	"github.com/crewcall/crewcall/config"
	"github.com/crewcall/crewcall/infra/logger"
)

var (
	dispatchJobID      string
	dispatchTemplateID string
	dispatchContacts   string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one dispatch for a job from the command line",
	RunE:  runDispatch,
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchJobID, "job", "", "job id")
	dispatchCmd.Flags().StringVar(&dispatchTemplateID, "template", "", "template id")
	dispatchCmd.Flags().StringVar(&dispatchContacts, "contacts", "", "comma-separated contact ids")
	_ = dispatchCmd.MarkFlagRequired("job")
	_ = dispatchCmd.MarkFlagRequired("template")
	_ = dispatchCmd.MarkFlagRequired("contacts")
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("dispatch-command").Errorf("service close: %v", err)
		}
	}()

	ids := strings.Split(dispatchContacts, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}
	sum, err := svc.Scheduler.Dispatch(ctx, dispatchJobID, dispatchTemplateID, ids)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	out, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
