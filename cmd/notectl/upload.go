package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"voicenotes/pkg/models"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var appendTo string
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload an existing audio file as a voice note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			if len(data) == 0 {
				return fmt.Errorf("%s is empty", path)
			}

			cy, err := ctx.newCycle(cmd.InOrStdin(), os.Stdout, assumeYes)
			if err != nil {
				return err
			}
			name := filepath.Base(path)
			blob := &models.Blob{Data: data, ContentType: models.ContentTypeFor(name)}
			if err := cy.machine.UploadFile(cmd.Context(), blob, name, appendTo); err != nil {
				return errors.New(describeError(err))
			}
			return finishCycle(cy.drive(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&appendTo, "append", "", "Append the audio to an existing note id")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask before canceling")
	return cmd
}
