package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/zenlive/pkg/guidance"
)

func newActivityCmd() *cobra.Command {
	activity := &cobra.Command{Use: "activity", Short: "Inspect and generate activity files"}

	validate := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check YAML activity files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				cfg, err := guidance.LoadActivityFile(path)
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "invalid %v\n", err)
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok %s: %q, %d steps, %s\n",
					path, cfg.Title, len(cfg.Steps), cfg.TotalDuration().Round(time.Second))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d activity files invalid", failed, len(args))
			}
			return nil
		},
	}

	var req guidance.GenerateRequest
	var typ, intensity, pace string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an activity and print it as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Type = guidance.ActivityType(typ)
			req.Intensity = guidance.Intensity(intensity)
			req.Pace = guidance.Pace(pace)
			cfg, err := guidance.Generate(req)
			if err != nil {
				return err
			}
			data, err := guidance.MarshalActivity(cfg)
			if err != nil {
				return fmt.Errorf("encode activity: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	generate.Flags().StringVar(&typ, "type", string(guidance.ActivityWorkout), "workout|breathing|meditation|stretch")
	generate.Flags().IntVar(&req.Minutes, "minutes", 0, "target length in minutes (0 uses the type default)")
	generate.Flags().StringVar(&intensity, "intensity", "", "low|moderate|high")
	generate.Flags().StringVar(&req.Pattern, "pattern", "", "breathing pattern: box|4-7-8")
	generate.Flags().StringVar(&pace, "pace", "", "slow|normal|fast")
	generate.Flags().StringVar(&req.ID, "id", "", "activity id (generated when empty)")

	activity.AddCommand(validate, generate)
	return activity
}
