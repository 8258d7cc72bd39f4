package tokens

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/switchboard/pkg/models"
)

func newCountCommand() *cobra.Command {
	var f codecFlags
	cmd := &cobra.Command{
		Use:   "count [file...]",
		Short: "Count tokens using a specific model and codec",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			codec, err := f.resolve()
			if err != nil {
				return err
			}
			ids, _, err := codec.Encode(input)
			if err != nil {
				return errors.Wrap(err, "error encoding input")
			}

			w := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(w, "Model: %s\n", f.model); err != nil {
				return errors.Wrap(err, "error writing to output")
			}
			if _, err := fmt.Fprintf(w, "Codec: %s\n", codec.GetName()); err != nil {
				return errors.Wrap(err, "error writing to output")
			}
			if _, err := fmt.Fprintf(w, "Total tokens: %d\n", len(ids)); err != nil {
				return errors.Wrap(err, "error writing to output")
			}
			return nil
		},
	}
	f.addTo(cmd, models.DefaultModel)
	return cmd
}
