// trainctl is the operator CLI for the training pipeline: it owns the
// processor configuration surface and offers read-only views of documents
// and batches for diagnostics.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/verozhao/document-ai-v2/internal/gcp"
	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/store"
)

var (
	flagProject   string
	flagProcessor string
)

func main() {
	root := &cobra.Command{
		Use:           "trainctl",
		Short:         "Operate the document classifier training pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagProject, "project", gcp.GetEnv("GCP_PROJECT_ID", ""), "GCP project ID")
	root.PersistentFlags().StringVar(&flagProcessor, "processor", gcp.GetEnv("DOCUMENT_AI_PROCESSOR_ID", ""), "Document AI processor ID")

	root.AddCommand(configCmd(), statusCmd(), docsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (*store.FirestoreStore, error) {
	if flagProject == "" {
		return nil, errors.New("--project (or GCP_PROJECT_ID) is required")
	}
	client, err := gcp.NewFirestoreClient(ctx, flagProject)
	if err != nil {
		return nil, err
	}
	return store.NewFirestoreStore(client, store.Collections{}), nil
}

func requireProcessor() error {
	if flagProcessor == "" {
		return errors.New("--processor (or DOCUMENT_AI_PROCESSOR_ID) is required")
	}
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage per-processor training configuration",
	}

	var (
		enabled        bool
		minInitial     int
		minIncremental int
		minAccuracy    float64
		checkInterval  int
		autoDeploy     bool
		docTypes       string
		maxBatchSize   int
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the processor's training configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProcessor(); err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}

			cfg := &models.ProcessorConfig{
				ProcessorID:              flagProcessor,
				Enabled:                  enabled,
				MinDocumentsInitial:      minInitial,
				MinDocumentsIncremental:  minIncremental,
				MinAccuracyForDeployment: minAccuracy,
				CheckIntervalMinutes:     checkInterval,
				AutoDeploy:               autoDeploy,
				MaxBatchSize:             maxBatchSize,
			}
			if docTypes != "" {
				for _, t := range strings.Split(docTypes, ",") {
					if t = strings.TrimSpace(t); t != "" {
						cfg.DocumentTypes = append(cfg.DocumentTypes, strings.ToUpper(t))
					}
				}
			}
			// Preserve the deployed version across config rewrites.
			if existing, err := s.GetConfig(ctx, flagProcessor); err == nil {
				cfg.DeployedVersion = existing.DeployedVersion
			}

			if err := s.PutConfig(ctx, cfg); err != nil {
				return err
			}
			fmt.Printf("Config for processor %s written.\n", flagProcessor)
			return nil
		},
	}
	set.Flags().BoolVar(&enabled, "enabled", true, "enable automatic training")
	set.Flags().IntVar(&minInitial, "min-initial", 3, "documents required for the first training run")
	set.Flags().IntVar(&minIncremental, "min-incremental", 2, "documents required for each later run")
	set.Flags().Float64Var(&minAccuracy, "min-accuracy", 0.8, "minimum F1 for auto-deployment")
	set.Flags().IntVar(&checkInterval, "check-interval", 30, "periodic check interval in minutes")
	set.Flags().BoolVar(&autoDeploy, "auto-deploy", false, "deploy new versions that meet the accuracy bar")
	set.Flags().StringVar(&docTypes, "types", "", "comma-separated allowed document types (empty accepts all)")
	set.Flags().IntVar(&maxBatchSize, "max-batch-size", 0, "maximum documents per batch (0 = default)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the processor's training configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProcessor(); err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			cfg, err := s.GetConfig(ctx, flagProcessor)
			if err != nil {
				return err
			}
			fmt.Printf("Processor:            %s\n", cfg.ProcessorID)
			fmt.Printf("Enabled:              %t\n", cfg.Enabled)
			fmt.Printf("Min initial docs:     %d\n", cfg.MinDocumentsInitial)
			fmt.Printf("Min incremental docs: %d\n", cfg.MinDocumentsIncremental)
			fmt.Printf("Min accuracy:         %.2f\n", cfg.MinAccuracyForDeployment)
			fmt.Printf("Auto-deploy:          %t\n", cfg.AutoDeploy)
			fmt.Printf("Check interval:       %dm\n", cfg.CheckIntervalMinutes)
			fmt.Printf("Max batch size:       %d\n", cfg.EffectiveMaxBatchSize())
			fmt.Printf("Document types:       %s\n", strings.Join(cfg.DocumentTypes, ", "))
			fmt.Printf("Deployed version:     %s\n", cfg.DeployedVersion)
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}

func statusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending count and recent training batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProcessor(); err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}

			pending, err := s.CountPending(ctx, flagProcessor)
			if err != nil {
				return err
			}
			fmt.Printf("Pending documents: %d\n\n", pending)

			batches, err := s.RecentBatches(ctx, flagProcessor, limit)
			if err != nil {
				return err
			}
			if len(batches) == 0 {
				fmt.Println("No training batches yet.")
				return nil
			}
			for _, b := range batches {
				fmt.Printf("%s  %-11s %-13s docs=%-3d started=%s",
					b.BatchID, b.Kind, b.Status, len(b.DocumentIDs),
					b.StartedAt.Format(time.RFC3339))
				if b.Accuracy > 0 {
					fmt.Printf(" accuracy=%.3f", b.Accuracy)
				}
				if b.FailureReason != "" {
					fmt.Printf(" reason=%q", b.FailureReason)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of batches to show")
	return cmd
}

func docsCmd() *cobra.Command {
	var (
		docStatus string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List recent document records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProcessor(); err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			recs, err := s.ListDocuments(ctx, flagProcessor, models.DocumentStatus(docStatus), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No document records.")
				return nil
			}
			for _, rec := range recs {
				fmt.Printf("%-50s %-16s %-20s %s\n", rec.DocumentID, rec.Status, rec.Label, rec.SourceURI)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&docStatus, "status", "", "filter by status (pending, usedForTraining)")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records to show")
	return cmd
}
