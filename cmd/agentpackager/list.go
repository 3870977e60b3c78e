package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/repository"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
)

func newListCommand() *cobra.Command {
	var configPath string
	var critical, errorOnly, warning bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions in the local repository",
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

			criteria := repository.CriteriaAll
			if critical {
				criteria = repository.CriteriaCritical
			} else if errorOnly {
				criteria = repository.CriteriaError
			} else if warning {
				criteria = repository.CriteriaWarning
			}

			for _, s := range repo.Find(criteria) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  %s/%s  started=%s\n",
					s.SessionID, s.Status, s.Application.Product, s.Application.Application, s.StartTime.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults to environment variables)")
	cmd.Flags().BoolVar(&critical, "critical", false, "Only sessions containing a Critical record")
	cmd.Flags().BoolVar(&errorOnly, "error", false, "Only sessions containing an Error record")
	cmd.Flags().BoolVar(&warning, "warning", false, "Only sessions containing a Warning record")
	return cmd
}
