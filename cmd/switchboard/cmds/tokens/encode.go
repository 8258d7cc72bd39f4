package tokens

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/switchboard/pkg/models"
)

func newEncodeCommand() *cobra.Command {
	var f codecFlags
	cmd := &cobra.Command{
		Use:   "encode [file...]",
		Short: "Encode text into token ids",
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
			parts := make([]string, 0, len(ids))
			for _, id := range ids {
				parts = append(parts, strconv.FormatUint(uint64(id), 10))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(parts, " "))
			return err
		},
	}
	f.addTo(cmd, models.DefaultModel)
	return cmd
}

func newDecodeCommand() *cobra.Command {
	var f codecFlags
	cmd := &cobra.Command{
		Use:   "decode [file...]",
		Short: "Decode space separated token ids into text",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			codec, err := f.resolve()
			if err != nil {
				return err
			}
			var ids []uint
			for _, t := range strings.Fields(input) {
				id, err := strconv.Atoi(t)
				if err != nil {
					return errors.Errorf("invalid token id: %s", t)
				}
				if id < 0 {
					return errors.Errorf("invalid token ID: %d (must be non-negative)", id)
				}
				ids = append(ids, uint(id))
			}
			text, err := codec.Decode(ids)
			if err != nil {
				return errors.Wrap(err, "error decoding")
			}
			_, err = cmd.OutOrStdout().Write([]byte(text))
			return err
		},
	}
	f.addTo(cmd, models.DefaultModel)
	return cmd
}
