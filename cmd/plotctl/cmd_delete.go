package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/plotviz/engine/internal/services"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <artifact-id>...",
	Short: "Delete artifacts and their members",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid artifact id %q", a)
		}
		ids = append(ids, id)
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	svc := services.NewArtifactService(e.stores.Artifacts, e.stores.Members)
	for _, id := range ids {
		if err := svc.DeleteArtifact(ctx, id); err != nil {
			return fmt.Errorf("delete %d: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", id)
	}
	return nil
}
