package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracelabs/whaletrace/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the knowledge graph over HTTP: entity and cluster lookups, address
intake, pipeline runs, and identity propagation.

Examples:
  whaletrace serve
  whaletrace serve --addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	srv := server.New(store, newRunner(), newPropagator(), log)
	router := srv.SetupRouter()

	log.Info("starting server", "addr", addr)
	if err := router.Run(addr); err != nil {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}
