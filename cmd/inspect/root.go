package inspect

import (
	"fmt"
	"github.com/ValentinKolb/dCache/cmd/util"
	"github.com/ValentinKolb/dCache/lib/codec"
	"github.com/ValentinKolb/dCache/lib/messages"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"io"
	"os"
)

var InspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Decode sync messages and print them as YAML",
	Long: `Decode an encoded sync message, or with --stream a complete sync stream (e.g. a captured sync pass or a raft snapshot), and print every message as a YAML document. Use - to read from stdin.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, _ []string) error { return util.BindCommandFlags(cmd) },
	RunE:    run,
}

func init() {
	key := "stream"
	InspectCmd.Flags().Bool(key, false, util.WrapString("Read a framed sync stream instead of a single payload"))

	key = "stripe"
	InspectCmd.Flags().Int(key, 0, util.WrapString("Concurrency stripe passed to the decoder for single payloads"))
}

func run(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()

	if viper.GetBool("stream") {
		n, err := Stream(in, enc)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.ErrOrStderr(), "decoded %d data messages\n", n)
		return err
	}
	return Payload(in, viper.GetInt("stripe"), enc)
}

// Payload decodes a single encoded message and writes its YAML view to enc
func Payload(r io.Reader, stripe int, enc *yaml.Encoder) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	msg, err := codec.NewBinaryCodec().Decode(stripe, data)
	if err != nil {
		return err
	}
	return encodeView(enc, msg)
}

// Stream decodes a sync stream and writes one YAML document per message to enc.
// It returns the number of data messages.
func Stream(r io.Reader, enc *yaml.Encoder) (int, error) {
	return codec.ReadSyncStream(r, codec.NewBinaryCodec(), func(msg messages.Message) error {
		return encodeView(enc, msg)
	})
}

func encodeView(enc *yaml.Encoder, msg messages.Message) error {
	v, err := viewOf(msg)
	if err != nil {
		return err
	}
	return enc.Encode(v)
}
