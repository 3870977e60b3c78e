package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/repository"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/upload"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/config"
)

// errNoSessionsMatched maps to exit code 3 (spec §6), distinct from the
// general agenterrors taxonomy since "nothing to send" isn't a failure.
var errNoSessionsMatched = errors.New("agentpackager: no sessions matched")

func newSendCommand() *cobra.Command {
	var configPath string
	var all bool

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Upload completed sessions to the configured hub",
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

			criteria := repository.CriteriaNewSessions | repository.CriteriaCompletedSessions
			if all {
				criteria = repository.CriteriaAll
			}

			matched := repo.Find(criteria)
			if len(matched) == 0 {
				colorWarn.Fprintln(cmd.OutOrStdout(), "no sessions matched")
				return errNoSessionsMatched
			}

			if err := engine.SendSessions(context.Background(), criteria); err != nil {
				return err
			}

			colorSuccess.Fprintf(cmd.OutOrStdout(), "sent %d session(s)\n", len(matched))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults to environment variables)")
	cmd.Flags().BoolVar(&all, "all", false, "Send every indexed session, not just new/completed ones")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.FromYAMLFile(path)
}

func authProviderFor(cfg config.AuthConfig) (upload.AuthProvider, error) {
	switch cfg.Provider {
	case config.AuthNone, "":
		return upload.NoAuthProvider{}, nil
	case config.AuthBasic:
		return &upload.BasicAuthProvider{User: cfg.User, Password: cfg.Password}, nil
	case config.AuthBearer:
		return &upload.BearerAuthProvider{SigningKey: []byte(cfg.Token)}, nil
	default:
		return nil, agenterrors.New(agenterrors.CodeConfiguration, fmt.Sprintf("unsupported auth provider %q", cfg.Provider))
	}
}
