package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/manualrag/internal/ingestion"
	"github.com/fyrsmithlabs/manualrag/internal/retrieval"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

func newIngestCmd() *cobra.Command {
	var tenantFlag, documentID string
	cmd := &cobra.Command{
		Use:   "ingest <storage-path>",
		Short: "Ingest one manual synchronously",
		Long: `Run one manual through extraction, chunking, embedding and storage and
print the result. The storage path is relative to storage.root.

Examples:
  manualragd ingest --tenant acme --document pump-manual acme/pump-manual.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := tenant.Parse(tenantFlag)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ctx = tenant.WithTenant(ctx, id)
				res, err := a.orchestrator.Ingest(ctx, ingestion.Request{
					DocumentID:  documentID,
					StoragePath: args[0],
				})
				if res != nil {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&tenantFlag, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&documentID, "document", "", "document ID (required)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		tenantFlag string
		topK       int
		threshold  float64
	)
	cmd := &cobra.Command{
		Use:   "search <question>",
		Short: "Search a tenant's manuals",
		Long: `Answer a question with the most relevant manual passages.

Examples:
  manualragd search --tenant acme "hydraulic pressure too low"
  manualragd search --tenant acme --top-k 10 --threshold 0.3 "replace the relief valve"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := tenant.Parse(tenantFlag)
			if err != nil {
				return err
			}
			req := retrieval.Request{TenantID: id, QueryText: args[0], TopK: topK}
			if cmd.Flags().Changed("threshold") {
				req.SimilarityThreshold = &threshold
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				resp, err := a.retrieval.Search(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&tenantFlag, "tenant", "", "tenant ID (required)")
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of results (default from config)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum similarity in [0,1] (default from config)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// withApp builds the app, runs fn and closes the app.
func withApp(ctx context.Context, fn func(context.Context, *app) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := fn(ctx, a); err != nil {
		if errors.Is(err, ingestion.ErrIngestionFailed) {
			return fmt.Errorf("document failed: %w", err)
		}
		return err
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
