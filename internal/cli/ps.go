package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/erg0nix/ctxbudget/internal/app"
	grpcsvc "github.com/erg0nix/ctxbudget/internal/grpc"
)

func newPsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "Show the daemon process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			t := newTable("NAME", "STATUS", "PID", "ADDRESS", "UPTIME", "ACTIVE")
			addServerRow(cmd.Context(), t, a)

			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

func addServerRow(ctx context.Context, t *table.Table, a *App) {
	pid := app.ReadPID(app.PIDFile(a.Config.DataDir))
	if pid == 0 {
		t.Row("ctxbudget", styleError.Render("stopped"), "-", a.ServerAddr, "-", "-")
		return
	}

	status := styleSuccess.Render("running")
	uptime, active := "-", "-"
	client, err := grpcsvc.Dial(a.ServerAddr)
	if err == nil {
		defer client.Close()
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if resp, err := client.DaemonStatus(ctx); err == nil {
			uptime = (time.Duration(resp.UptimeSeconds) * time.Second).String()
			if resp.ActiveConversation != "" {
				active = styleActive.Render(resp.ActiveConversation)
			}
		} else {
			status = styleWarning.Render("unreachable")
		}
	}

	t.Row("ctxbudget",
		status,
		stylePID.Render(fmt.Sprintf("%d", pid)),
		a.ServerAddr,
		uptime,
		active)
}

func printDaemon(out io.Writer, resp *grpcsvc.DaemonStatusResponse) {
	fmt.Fprintln(out, styleLabel.Render("server    ")+" "+resp.Bind+" "+styleDim.Render("endpoint "+resp.Endpoint))
	fmt.Fprintln(out, styleLabel.Render("data dir  ")+" "+resp.DataDir)
	fmt.Fprintln(out, styleLabel.Render("started   ")+" "+resp.StartedAtRFC3339+" "+
		styleDim.Render((time.Duration(resp.UptimeSeconds)*time.Second).String()))
}
