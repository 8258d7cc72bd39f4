// Package tokens holds the token estimation commands. They use the same
// codecs as the history budgeter.
package tokens

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/switchboard/pkg/budget"
	"github.com/go-go-golems/switchboard/pkg/models"
)

type codecFlags struct {
	model string
	codec string
}

func (f *codecFlags) addTo(cmd *cobra.Command, defaultModel string) {
	cmd.Flags().StringVar(&f.model, "model", defaultModel, "Model used for encoding")
	cmd.Flags().StringVar(&f.codec, "codec", "", "Codec used for encoding, defaults to the model's codec")
}

// resolve maps a public model id to its provider model before picking the codec.
func (f *codecFlags) resolve() (tokenizer.Codec, error) {
	if f.codec != "" {
		return budget.CodecByName(f.codec)
	}
	model := f.model
	if spec, ok := models.Builtin().Lookup(model); ok {
		model = spec.ProviderModel
	}
	return budget.CodecForModel(model)
}

// readInput concatenates the files in args, or reads stdin when args is empty
// or "-".
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", errors.Wrap(err, "reading stdin")
		}
		return string(b), nil
	}
	var sb strings.Builder
	for _, p := range args {
		b, err := os.ReadFile(p)
		if err != nil {
			return "", errors.Wrapf(err, "reading %s", p)
		}
		sb.Write(b)
	}
	return sb.String(), nil
}

func NewTokensCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Count, encode and decode tokens",
	}
	cmd.AddCommand(newCountCommand(), newEncodeCommand(), newDecodeCommand())
	return cmd
}
