// Command rxcycle is the operator CLI: offline evaluations, topic setup and
// manual sweep requests.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/magistral/rxcycle/internal/config"
	"github.com/magistral/rxcycle/internal/domain/proactive"
	"github.com/magistral/rxcycle/internal/domain/recipe"
	"github.com/magistral/rxcycle/internal/infrastructure/redpanda"
	"github.com/magistral/rxcycle/internal/sweep"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rxcycle",
		Short:        "Proactive status tooling for chronic magistral treatments",
		SilenceUsage: true,
	}
	root.AddCommand(evaluateCmd())
	root.AddCommand(topicsCmd())
	root.AddCommand(sweepCmd())
	return root
}

// evaluateInput is the file read by the evaluate command
type evaluateInput struct {
	Patient recipe.Patient  `json:"patient"`
	Recipes []recipe.Recipe `json:"recipes"`
}

type evaluateOutput struct {
	PatientID         string            `json:"patientId"`
	Date              string            `json:"date"`
	Outcome           proactive.Outcome `json:"outcome"`
	ReferenceRecipeID string            `json:"referenceRecipeId,omitempty"`
	NeedsNotification bool              `json:"needsNotification"`
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one patient from a JSON file without touching the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			date, _ := cmd.Flags().GetString("date")
			maxCycles, _ := cmd.Flags().GetInt("max-cycles")
			tz, _ := cmd.Flags().GetString("timezone")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			evalCfg := cfg.Evaluation()
			if cmd.Flags().Changed("max-cycles") {
				evalCfg.MaxCycles = maxCycles
			}
			if tz != "" {
				evalCfg.Timezone = tz
			}
			evaluator, err := proactive.New(evalCfg)
			if err != nil {
				return err
			}

			in, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			current := time.Now().In(evaluator.Location())
			if date != "" {
				current, err = time.ParseInLocation(time.DateOnly, date, evaluator.Location())
				if err != nil {
					return fmt.Errorf("--date: expected YYYY-MM-DD: %w", err)
				}
			}

			// non-chronic patients are outside the proactive program
			outcome := evaluator.UpToDate(in.Patient)
			var facts proactive.Facts
			if in.Patient.IsChronic {
				outcome, facts, err = evaluator.Explain(in.Patient, in.Recipes, current)
				if err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(evaluateOutput{
				PatientID:         in.Patient.ID,
				Date:              current.Format(time.DateOnly),
				Outcome:           outcome,
				ReferenceRecipeID: facts.ReferenceID(),
				NeedsNotification: outcome.NeedsNotification(),
			})
		},
	}
	cmd.Flags().String("file", "-", "Input JSON with patient and recipes; - reads stdin")
	cmd.Flags().String("date", "", "Evaluation day (YYYY-MM-DD), defaults to today")
	cmd.Flags().Int("max-cycles", 6, "Dispensations allowed per recipe, defaults to MAX_CYCLES")
	cmd.Flags().String("timezone", "", "IANA zone for day counting, defaults to EVALUATION_TIMEZONE")
	return cmd
}

func readInput(stdin io.Reader, file string) (*evaluateInput, error) {
	r := stdin
	if file != "-" && file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var in evaluateInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return &in, nil
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Redpanda topic management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the topics the services use if they are missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs()); err != nil {
				return err
			}
			for _, t := range redpanda.DefaultTopicConfigs() {
				fmt.Fprintln(cmd.OutOrStdout(), t.Name)
			}
			return nil
		},
	})
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Queue a proactive sweep for the sweep worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")
			patients, _ := cmd.Flags().GetStringSlice("patient")
			halt, _ := cmd.Flags().GetBool("halt-on-error")

			if date != "" {
				if _, err := time.Parse(time.DateOnly, date); err != nil {
					return fmt.Errorf("--date: expected YYYY-MM-DD: %w", err)
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			producerCfg := redpanda.DefaultProducerConfig()
			producerCfg.Brokers = cfg.Brokers()
			producer, err := redpanda.NewProducer(producerCfg, logger)
			if err != nil {
				return err
			}
			defer producer.Close()

			req := sweep.NewRequest(date, "rxcycle-cli", time.Now())
			req.PatientIDs = patients
			req.HaltOnError = halt
			payload, err := json.Marshal(req)
			if err != nil {
				return err
			}
			if err := producer.Publish(cmd.Context(), redpanda.TopicSweepRequests, req.ID, payload); err != nil {
				return err
			}
			logger.Info("sweep queued", zap.String("sweep_id", req.ID))
			fmt.Fprintln(cmd.OutOrStdout(), req.ID)
			return nil
		},
	}
	cmd.Flags().String("date", "", "Evaluation day (YYYY-MM-DD), defaults to today")
	cmd.Flags().StringSlice("patient", nil, "Limit the sweep to these patient IDs")
	cmd.Flags().Bool("halt-on-error", false, "Stop at the first patient that fails")
	return cmd
}
