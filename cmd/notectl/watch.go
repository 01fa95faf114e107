package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"voicenotes/pkg/models"
	"voicenotes/pkg/monitor"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var background bool

	cmd := &cobra.Command{
		Use:   "watch <note-id>",
		Short: "Follow a note until processing finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			preset := monitor.Interactive
			if background {
				preset = monitor.Background
			}
			mon := monitor.New(preset, api, api, api, ctx.logger())

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			note, err := mon.Watch(runCtx, args[0], func(n *models.Note) {
				fmt.Fprintf(out, "%s  %s\n", shortID(n.ID), n.Status)
			})
			mon.Wait()
			if err != nil {
				if note != nil {
					fmt.Fprintf(out, "last status: %s\n", note.Status)
				}
				return fmt.Errorf("%s", describeError(err))
			}
			printNote(out, note)
			return nil
		},
	}
	cmd.Flags().BoolVar(&background, "slow", false, "Poll at the background interval with the longer timeout")
	return cmd
}
