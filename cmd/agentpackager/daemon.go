package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/repository"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/schedule"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/upload"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
)

// newDaemonCommand runs the eviction sweep and send drain on cron schedules
// until interrupted, instead of the one-shot send/purge commands above.
func newDaemonCommand() *cobra.Command {
	var configPath string
	var evictionSpec, sendSpec string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled eviction and send cycles until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			repo, err := repository.Open(repository.Options{
				Root:         cfg.SessionFile.RootDir,
				DiskCapBytes: cfg.Limits.DiskCapBytes,
			})
			if err != nil {
				return agenterrors.Wrap(agenterrors.CodeConfiguration, "open repository", err)
			}
			auth, err := authProviderFor(cfg.Auth)
			if err != nil {
				return err
			}
			engine, err := upload.New(repo, cfg, auth, nil)
			if err != nil {
				return err
			}

			sched := schedule.New(nil)
			if err := sched.ScheduleEviction(evictionSpec, repo); err != nil {
				return agenterrors.Wrap(agenterrors.CodeConfiguration, "invalid eviction schedule", err)
			}
			criteria := repository.CriteriaNewSessions | repository.CriteriaCompletedSessions
			if err := sched.ScheduleSend(sendSpec, engine, criteria); err != nil {
				return agenterrors.Wrap(agenterrors.CodeConfiguration, "invalid send schedule", err)
			}

			sched.Start()
			colorSuccess.Fprintln(cmd.OutOrStdout(), "daemon running; press Ctrl+C to stop")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			sched.Stop()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults to environment variables)")
	cmd.Flags().StringVar(&evictionSpec, "eviction-schedule", "@every 1h", "cron expression for the eviction sweep")
	cmd.Flags().StringVar(&sendSpec, "send-schedule", "@every 5m", "cron expression for the background send drain")
	return cmd
}
