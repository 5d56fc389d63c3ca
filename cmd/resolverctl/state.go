package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"display-resolver/internal/codec"
	"display-resolver/internal/storage"
)

var stateBackend string

// stateCmd prints the decoded persisted state
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the persisted resolver state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if stateBackend != "" {
			cfg.Storage.Backend = stateBackend
		}

		store, err := storage.Open(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
		}
		defer store.Close()

		state := storage.NewState(store, codec.New(cfg.Resolver.ObfuscationKey))
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(state.Snapshot(cmd.Context()))
	},
}

func init() {
	stateCmd.Flags().StringVarP(&stateBackend, "backend", "b", "", "Override the configured storage backend: memory, leveldb or postgres")
	rootCmd.AddCommand(stateCmd)
}
