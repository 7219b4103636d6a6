package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/erg0nix/ctxbudget/internal/app"
	"github.com/erg0nix/ctxbudget/internal/config"
	grpcsvc "github.com/erg0nix/ctxbudget/internal/grpc"
)

const rpcTimeout = 5 * time.Second

type App struct {
	Config       config.Config
	ConfigPath   string
	ServerAddr   string
	Conversation string
}

func newApp(cmd *cobra.Command) (*App, error) {
	configPath, _ := cmd.Flags().GetString("config")
	serverOverride, _ := cmd.Flags().GetString("server")
	conversation, _ := cmd.Flags().GetString("conversation")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return &App{
		Config:       cfg,
		ConfigPath:   configPath,
		ServerAddr:   resolveServer(serverOverride, cfg),
		Conversation: conversation,
	}, nil
}

func loadConfig(path string) (config.Config, error) {
	configPath := path
	if configPath == "" {
		configPath = filepath.Join(config.Default().DataDir, "config.toml")
	}

	cfg, err := config.LoadOrCreate(configPath)
	if err != nil {
		return cfg, err
	}
	return config.ApplyEnv(cfg), nil
}

func resolveServer(override string, cfg config.Config) string {
	if override != "" {
		return override
	}
	return clientAddrFromBind(cfg.Bind)
}

func clientAddrFromBind(bind string) string {
	host, port, err := netSplitHostPort(bind)
	if err != nil || port == "" {
		return bind
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1:" + port
	}
	return bind
}

func netSplitHostPort(addr string) (string, string, error) {
	if strings.HasPrefix(addr, ":") {
		return "", strings.TrimPrefix(addr, ":"), nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", err
	}
	return host, port, nil
}

func alreadyRunning(dataDir string) bool {
	return app.ReadPID(app.PIDFile(dataDir)) != 0
}

// dial connects to the daemon and checks that it answers before returning.
func (a *App) dial(ctx context.Context, out io.Writer) (*grpcsvc.Client, error) {
	client, err := grpcsvc.Dial(a.ServerAddr)
	if err != nil {
		printServerNotRunning(out, a.ServerAddr, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	if !client.Healthy(ctx) {
		client.Close()
		err := fmt.Errorf("server not reachable at %s", a.ServerAddr)
		printServerNotRunning(out, a.ServerAddr, nil)
		return nil, err
	}
	return client, nil
}

func printServerNotRunning(out io.Writer, addr string, err error) {
	hints := []string{"start with: ctxbudget serve"}
	if err != nil {
		hints = append(hints, err.Error())
	}
	fmt.Fprintln(out, styledError("server is not running at "+addr, hints...))
}

func startServer(out io.Writer, cfg config.Config, configPath string, bindOverride string) error {
	if alreadyRunning(cfg.DataDir) {
		fmt.Fprintln(out, styleDim.Render("server already running at "+resolveServer("", cfg)))
		return nil
	}

	serverCmd := exec.Command(os.Args[0], "serve", "--foreground")
	if configPath != "" {
		serverCmd.Args = append(serverCmd.Args, "--config", configPath)
	}
	if bindOverride != "" {
		serverCmd.Args = append(serverCmd.Args, "--bind", bindOverride)
	}

	logFile := filepath.Join(cfg.DataDir, "server.log")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("start server: create data dir: %w", err)
	}

	logOut, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("start server: open log: %w", err)
	}
	defer logOut.Close()

	serverCmd.Stdout = logOut
	serverCmd.Stderr = logOut

	if err := serverCmd.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	fmt.Fprintln(out,
		styleSuccess.Render("started server")+" "+
			stylePID.Render(fmt.Sprintf("pid %d", serverCmd.Process.Pid))+" "+
			styleDim.Render("logging to "+logFile))
	return nil
}
