package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var audioCmd = &cobra.Command{
	Use:   "audio",
	Short: "Manage the spoken reply cache",
}

var audioClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached spoken reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		a, err := newApp(cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.audio.Len()
		if err != nil {
			return err
		}
		if err := a.audio.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("clear audio cache: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render(fmt.Sprintf("Cleared %d cached reply(s)", n)))
		return nil
	},
}

func init() {
	audioCmd.AddCommand(audioClearCmd)
	rootCmd.AddCommand(audioCmd)
}
