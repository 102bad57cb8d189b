package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/inventory"
	"evalgo.org/metalpool/internal/logging"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/internal/validation"
)

var importValidateOnly bool

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import an inventory file into the registry",
	Long: `Import zones, tags, fabrics, subnets and machines from a YAML inventory
file straight into the registry at storage.path. Records that already exist
are skipped. The server must not be running against the same directory.

Examples:
  metalpool import racks.yaml
  metalpool import racks.yaml --validate-only`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importValidateOnly, "validate-only", false, "check the file without writing anything")
}

func runImport(cmd *cobra.Command, args []string) error {
	inv, err := inventory.Load(args[0])
	if err != nil {
		return err
	}

	v := validation.New()
	machines, err := inv.ToModels(v)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if importValidateOnly {
		fmt.Fprintf(out, "✓ %s is valid: %d zones, %d tags, %d fabrics, %d subnets, %d machines\n",
			args[0], len(inv.Zones), len(inv.Tags), len(inv.Fabrics), len(inv.Subnets), len(machines))
		return nil
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", zap.Error(err))
		}
	}()

	sum, err := inv.Apply(context.Background(), store, v, logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✓ Imported %s: %d created, %d already present\n", args[0], sum.Created, sum.Skipped)
	return nil
}
