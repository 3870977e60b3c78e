// Command agentpackager is the out-of-process CLI for sending, listing, and
// purging session files in an agent's local repository (spec §1/§4.4).
package main

import (
	"errors"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
)

// Exit codes from spec §6.
const (
	exitSuccess           = 0
	exitConfiguration     = 2
	exitNoSessionsMatched = 3
	exitTransport         = 4
	exitAuthentication    = 5
	exitLocalIO           = 6
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agentpackager",
		Short:         "Send, list, and purge recorded diagnostic sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.AddCommand(newSendCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newPurgeCommand())
	cmd.AddCommand(newDaemonCommand())
	return cmd
}

// exitCodeFor maps an error's agent error code to the CLI's spec-mandated
// exit status.
func exitCodeFor(err error) int {
	if errors.Is(err, errNoSessionsMatched) {
		return exitNoSessionsMatched
	}
	var ae *agenterrors.AgentError
	if !errors.As(err, &ae) {
		return exitLocalIO
	}
	switch ae.Code {
	case agenterrors.CodeConfiguration:
		return exitConfiguration
	case agenterrors.CodeAuthRequired, agenterrors.CodeAuthDenied:
		return exitAuthentication
	case agenterrors.CodeTransportTimeout, agenterrors.CodeConnectionReset, agenterrors.CodeTransportHTTP5xx:
		return exitTransport
	case agenterrors.CodeRepositoryLocked, agenterrors.CodeCorrupt:
		return exitLocalIO
	default:
		return exitLocalIO
	}
}

var (
	colorSuccess = color.New(color.FgGreen)
	colorWarn    = color.New(color.FgYellow)
	colorErr     = color.New(color.FgRed)
)
