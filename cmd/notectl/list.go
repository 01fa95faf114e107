package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"voicenotes/pkg/models"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.NoteStatus(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			api, err := ctx.client()
			if err != nil {
				return err
			}
			list, err := api.ListNotes(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No notes.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderNotes(list))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show notes with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of notes")
	return cmd
}

func renderNotes(list []*models.Note) string {
	rows := make([][]string, 0, len(list))
	for _, n := range list {
		rows = append(rows, []string{
			n.ID,
			truncate(n.Title, 40),
			string(n.Status),
			clockSeconds(n.AudioDuration),
			n.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return renderTable(
		[]string{"ID", "Title", "Status", "Length", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func clockSeconds(sec int) string {
	if sec <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d:%02d", sec/60, sec%60)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
