package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"Distributed-index/internal/config"
	"Distributed-index/internal/event"
	"Distributed-index/internal/index"
	"Distributed-index/internal/logger"
	"Distributed-index/internal/node"
)

func newBuildFormCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var input, out, keyField string
	cmd := &cobra.Command{
		Use:   "build-form",
		Short: "Build an intermediate index form from NDJSON records.",
		Long: `indexd build-form reads one JSON record per line and writes a committed
index form to --out. Records with "_delete": true become deletes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := stdin
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			docs, deletes, err := readDocuments(r, event.NewJSONConverter(keyField))
			if err != nil {
				return err
			}
			form, err := index.BuildForm(afero.NewOsFs(), out, docs, deletes)
			if err != nil {
				return fmt.Errorf("building form: %v", err)
			}
			fmt.Fprintf(stdout, "wrote form %s: %d documents, %d deletes\n", form.Dir, len(docs), len(deletes))
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "NDJSON input file, - for stdin.")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Directory of the new form.")
	cmd.Flags().StringVar(&keyField, "key-field", "uid", "Record field used as the document key.")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func readDocuments(r io.Reader, conv event.Converter) ([]index.Document, []uint64, error) {
	var (
		docs    []index.Document
		deletes []uint64
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		ev, err := conv.Convert(&event.RawRecord{Value: sc.Bytes()})
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %v", line, err)
		}
		id := index.DocumentID(ev.Key)
		if ev.Delete {
			deletes = append(deletes, id)
			continue
		}
		fields, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %v", line, err)
		}
		docs = append(docs, index.Document{ID: id, Key: ev.Key, Fields: fields})
	}
	return docs, deletes, sc.Err()
}

func newBuildShardCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cfg := config.DefaultConfig()
	var id int
	cmd := &cobra.Command{
		Use:   "build-shard FORM...",
		Short: "Merge forms into a new shard generation and promote it.",
		Long: `indexd build-shard merges the given form directories into a new generation
of --shard and promotes it into the shard's permanent directory using the
configured promotion mode. The promotion report is printed as JSON.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Partitions = nil
			log := logger.New("indexd", cfg.LogLevel, stderr)
			n, err := node.New(cfg, node.Options{Standalone: true}, log)
			if err != nil {
				return fmt.Errorf("creating node: %v", err)
			}
			defer n.Close()

			forms := make([]index.Form, len(args))
			for i, dir := range args {
				forms[i] = index.Form{Dir: dir}
			}
			report, err := n.BuildShard(context.Background(), id, forms)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	nodeFlags(cmd.Flags(), cfg)
	cmd.Flags().IntVar(&id, "shard", 0, "Shard id.")
	return cmd
}
