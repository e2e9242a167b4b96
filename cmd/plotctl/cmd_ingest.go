package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plotviz/engine/internal/bootstrap"
	"github.com/plotviz/engine/internal/queue"
	"github.com/plotviz/engine/internal/services"
	"github.com/plotviz/engine/pkg/utils"
)

var ingestFlags struct {
	name        string
	description string
	group       string
	uploader    int64
	bundle      bool
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a plotviz document or a zip bundle",
	Long:  "Ingest stores a single document synchronously. Zip files (or any file with\n--bundle) run the bundle phase in-process and wait for it to finish.",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.name, "name", "", "Artifact name (defaults to the file name)")
	f.StringVar(&ingestFlags.description, "description", "", "Artifact description")
	f.StringVar(&ingestFlags.group, "group", "", "Artifact group")
	f.Int64Var(&ingestFlags.uploader, "uploader", 0, "Uploader id")
	f.BoolVar(&ingestFlags.bundle, "bundle", false, "Treat the file as a bundle regardless of extension")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	d := queue.NewLocalDispatcher(1, 1, nil)
	ingest := services.NewIngestService(e.stores.Artifacts, e.stores.Members, e.blobs, d, utils.NewIDGenerator(), nil, bootstrap.IngestOptions(e.cfg))
	d.Start(ingest.ProcessBundle)

	fileName := filepath.Base(path)
	in := services.UploadInput{
		Name:        ingestFlags.name,
		Description: ingestFlags.description,
		UploaderID:  ingestFlags.uploader,
		Group:       ingestFlags.group,
		FileName:    fileName,
		Data:        data,
	}
	if in.Name == "" {
		in.Name = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}

	var id int64
	if ingestFlags.bundle || strings.EqualFold(filepath.Ext(fileName), ".zip") {
		id, err = ingest.IngestBundle(ctx, in)
	} else {
		id, err = ingest.IngestSingle(ctx, in)
	}
	if cerr := d.Close(ctx); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	a, err := e.stores.Artifacts.Get(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d\t%s\t%d members\n", a.ID, a.Status, len(a.Manifest))
	for _, me := range a.Errors {
		fmt.Fprintf(out, "  error seq=%d file=%s kind=%s: %s\n", me.SequenceNumber, me.FileName, me.Kind, me.Message)
	}
	return nil
}
