package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/ledger/internal/config"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Dump the reflected database schema as YAML",
	Long:  "Open the configured database, reflect its tables, columns and keys, and print the catalog without running the server.",
	RunE:  runSchema,
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	client, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	s, err := client.Catalog().Load(ctx)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	version, err := client.Catalog().Version(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	out := struct {
		Version int64 `yaml:"version"`
		Tables  any   `yaml:"tables"`
	}{Version: version, Tables: s}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}
