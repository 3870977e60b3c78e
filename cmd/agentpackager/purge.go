package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/repository"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
)

func newPurgeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "purge SESSION_ID",
		Short: "Delete a session's files and remove it from the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := uuid.Parse(args[0])
			if err != nil {
				return agenterrors.Wrap(agenterrors.CodeConfiguration, "invalid session id", err)
			}

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

			if err := repo.Purge(sessionID); err != nil {
				return agenterrors.Wrap(agenterrors.CodeCorrupt, "purge session", err)
			}
			colorSuccess.Fprintf(cmd.OutOrStdout(), "purged %s\n", sessionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults to environment variables)")
	return cmd
}
