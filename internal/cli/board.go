package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/trainwatch/internal/board"
)

var (
	boardLogDir string
	boardAddr   string
	boardOpen   bool
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Serve the run board for the log root",
	Long: `Serve live and past runs over HTTP until interrupted.

Endpoints:
  /api/runs                  run summaries
  /api/runs/{run}/events     recorded events of one run
  /ws/runs/{run}             live event stream
  /metrics                   Prometheus gauges per run`,
	Args: cobra.NoArgs,
	RunE: runBoard,
}

func init() {
	boardCmd.Flags().StringVar(&boardLogDir, "logdir", "", "log root to serve (default $TRAINWATCH_LOG_ROOT or logs/fit)")
	boardCmd.Flags().StringVar(&boardAddr, "addr", "", "listen address (default $TRAINWATCH_BOARD_ADDR or :6006)")
	boardCmd.Flags().BoolVar(&boardOpen, "open", false, "open the board in a browser")
}

func runBoard(cmd *cobra.Command, _ []string) error {
	logDir := boardLogDir
	if logDir == "" {
		logDir = cfg.LogRoot
	}
	addr := boardAddr
	if addr == "" {
		addr = cfg.BoardAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	url := localURL(ln.Addr())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s at %s (Ctrl+C to stop)\n", logDir, url)
	if boardOpen {
		if err := open.Run(url + "/api/runs"); err != nil {
			logger.Warn("failed to open browser", "url", url, "error", err)
		}
	}

	return board.New(logDir, logger).Serve(ctx, ln)
}

func localURL(addr net.Addr) string {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String()
	}
	return "http://localhost:" + port
}
