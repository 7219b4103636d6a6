package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/erg0nix/ctxbudget/internal/app"
	grpcsvc "github.com/erg0nix/ctxbudget/internal/grpc"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the ctxbudget daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			stopServer(cmd.Context(), cmd.OutOrStdout(), a)
			return nil
		},
	}
}

// stopServer asks the daemon to shut down over RPC and falls back to SIGTERM
// through the PID file when the RPC fails.
func stopServer(ctx context.Context, out io.Writer, a *App) {
	if err := shutdownViaRPC(ctx, a.ServerAddr); err == nil {
		fmt.Fprintln(out, styleSuccess.Render("stopped ctxbudget server"))
		return
	}

	pid, err := app.TerminateServer(a.Config.DataDir)
	switch {
	case errors.Is(err, app.ErrNotRunning):
		fmt.Fprintln(out, styleDim.Render("ctxbudget server not running"))
	case err != nil:
		fmt.Fprintln(out, styleError.Render("ctxbudget server: "+err.Error()))
	default:
		fmt.Fprintln(out, styleWarning.Render("sent SIGTERM to ctxbudget server")+" "+stylePID.Render(fmt.Sprintf("pid %d", pid)))
	}
}

func shutdownViaRPC(ctx context.Context, addr string) error {
	client, err := grpcsvc.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	_, err = client.Shutdown(ctx)
	return err
}
