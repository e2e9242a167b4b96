package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/plotviz/engine/internal/services"
)

var getFlags struct {
	member int
	raw    bool
}

var getCmd = &cobra.Command{
	Use:   "get <artifact-id>",
	Short: "Print an artifact, or one member document with --member",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	f := getCmd.Flags()
	f.IntVar(&getFlags.member, "member", -1, "Member id to print")
	f.BoolVar(&getFlags.raw, "raw", false, "Print the stored member document instead of its clusters")
}

func runGet(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid artifact id %q", args[0])
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	q := services.NewQueryService(e.stores.Artifacts, e.stores.Members, e.cfg.DefaultGroup)
	out := cmd.OutOrStdout()

	if getFlags.member < 0 {
		b, err := q.GetArtifactDocument(ctx, id)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	if getFlags.raw {
		b, err := q.GetRawDocument(ctx, id, getFlags.member)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	clusters, err := q.GetClusters(ctx, id, getFlags.member)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(clusters)
}
