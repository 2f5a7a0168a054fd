package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/AlecAivazis/survey/v2"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/umr-dbs/cachemesh/internal/experiment"
	"github.com/umr-dbs/cachemesh/internal/observability"
)

var uploadBucket string

func main() {
	root := &cobra.Command{
		Use:   "experiment",
		Short: "Run cache workload experiments against an in-process harness",
		RunE:  runMenu,
	}
	root.Flags().StringVar(&uploadBucket, "s3-bucket", "", "upload result CSVs to this S3 bucket (empty disables upload)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMenu(cmd *cobra.Command, _ []string) error {
	var numRunsStr string
	if err := survey.AskOne(&survey.Input{
		Message: "Enter the number of runs per experiment:",
		Default: "1",
	}, &numRunsStr); err != nil {
		return err
	}
	numRuns, err := strconv.ParseUint(numRunsStr, 10, 32)
	if err != nil || numRuns == 0 {
		numRuns = 1
	}

	specs := experiment.Catalog()
	experiments := buildExperiments(specs, uint32(numRuns))

	var uploader *experiment.Uploader
	if uploadBucket != "" {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		uploader = experiment.NewUploader(s3.NewFromConfig(cfg), uploadBucket, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	}

	options := []string{"All"}
	for _, e := range experiments {
		options = append(options, e.Name())
	}
	options = append(options, "Exit")

	runner := experiment.Runner{}
	for {
		var choice string
		if err := survey.AskOne(&survey.Select{
			Message: "Choose the experiment to run:",
			Options: options,
		}, &choice); err != nil {
			return err
		}

		switch choice {
		case "Exit":
			fmt.Println("Bye")
			return nil
		case "All":
			for _, e := range experiments {
				runAndReport(cmd.Context(), runner, e, uploader)
			}
		default:
			for _, e := range experiments {
				if e.Name() == choice {
					runAndReport(cmd.Context(), runner, e, uploader)
					break
				}
			}
		}
	}
}

func runAndReport(ctx context.Context, runner experiment.Runner, e experiment.Experiment, uploader *experiment.Uploader) {
	fmt.Printf("running %s (%d runs)...\n", e.Name(), e.NumRuns())
	results := runner.Run(e)
	for _, r := range results {
		fmt.Printf("  run %d: queries=%d hit_rate=%.2f wall=%.1fms cost=%.1fms\n",
			r.Run, len(r.Queries), r.HitRate(), r.WallMS, r.Cost)
	}

	if uploader == nil {
		return
	}
	key := fmt.Sprintf("experiments/%s-%d.csv", e.Name(), time.Now().Unix())
	if err := uploader.UploadResults(ctx, key, results); err != nil {
		fmt.Fprintf(os.Stderr, "uploading results for %s: %v\n", e.Name(), err)
	}
}

func buildExperiments(specs []experiment.QuerySpec, numRuns uint32) []experiment.Experiment {
	var out []experiment.Experiment
	for _, s := range specs {
		out = append(out,
			experiment.NewLocalCacheExperiment(s, numRuns, 1.0/16, 1024),
			experiment.NewPuzzleExperiment(s, numRuns, 1.0/16, 256),
			experiment.NewQueryBatchingExperiment(s, numRuns, 8),
		)
	}
	out = append(out,
		experiment.NewStrategyExperiment(specs[0], 32),
		experiment.NewRelevanceExperiment(specs[0], 32),
		experiment.NewReorgExperiment(specs[0], numRuns),
	)
	return out
}
