package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mensago/mensagod/cli"
	"github.com/mensago/mensagod/server"
	"github.com/mensago/mensagod/storage/kv/leveldbkv"
	"github.com/mensago/mensagod/store"
)

var runCmd = cli.NewRunCommand("mensagod", func(cmd *cobra.Command, args []string) {
	if err := runServer(cmd.Flag("config").Value.String()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
})

func init() {
	runCmd.Flags().StringP("config", "c", filepath.Join(".", "config.toml"),
		"Path to the configuration file")
}

func runServer(configPath string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	db, err := leveldbkv.OpenDB(cfg.Server.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	keys, err := server.LoadOrgKeys(cfg.Server.KeysFile)
	if err != nil {
		return err
	}

	srv := server.New(cfg, logger, store.New(db), keys)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		logger.Info().Msg("shutting down")
		srv.Shutdown()
	}()

	return srv.ListenAndServe()
}
