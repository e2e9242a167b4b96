package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/plotviz/engine/internal/services"
)

var listFlags struct {
	group string
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored artifacts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listFlags.group, "group", "", "Only show artifacts of this group")
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	var group *string
	if cmd.Flags().Changed("group") {
		group = &listFlags.group
	}
	items, err := services.NewQueryService(e.stores.Artifacts, e.stores.Members, e.cfg.DefaultGroup).ListArtifacts(ctx, group)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tGROUP\tTYPE\tSTATUS\tMEMBERS\tCREATED")
	for _, a := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ID, a.Name, a.Group, a.TypeString, a.Status, a.MemberCount, a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
