package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var safetyCmd = &cobra.Command{
	Use:   "safety",
	Short: "Operate the global send kill switch",
}

var safetyEngageCmd = &cobra.Command{
	Use:   "engage",
	Short: "Halt all outbound sends",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		actor, _ := cmd.Flags().GetString("actor")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		flag, err := env.Switch.Engage(ctx, actor)
		if err != nil {
			return err
		}
		zap.L().Warn("kill switch engaged", zap.String("actor", actor))
		return writeJSON(os.Stdout, flag)
	},
}

var safetyDisengageCmd = &cobra.Command{
	Use:   "disengage",
	Short: "Resume outbound sends",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		actor, _ := cmd.Flags().GetString("actor")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		flag, err := env.Switch.Disengage(ctx, actor)
		if err != nil {
			return err
		}
		zap.L().Info("kill switch disengaged", zap.String("actor", actor))
		return writeJSON(os.Stdout, flag)
	},
}

var safetyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the kill switch state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		flag, err := env.Switch.Status(ctx)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, flag)
	},
}

func init() {
	for _, c := range []*cobra.Command{safetyEngageCmd, safetyDisengageCmd} {
		c.Flags().String("actor", "", "operator making the change (required)")
		_ = c.MarkFlagRequired("actor")
	}

	safetyCmd.AddCommand(safetyEngageCmd)
	safetyCmd.AddCommand(safetyDisengageCmd)
	safetyCmd.AddCommand(safetyStatusCmd)
	rootCmd.AddCommand(safetyCmd)
}
