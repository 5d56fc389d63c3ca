package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"display-resolver/internal/codec"
)

var codecKey string

func newCodec() *codec.Codec {
	if codecKey != "" {
		return codec.New(codecKey)
	}
	return codec.New(loadConfig().Resolver.ObfuscationKey)
}

var encodeCmd = &cobra.Command{
	Use:   "encode <text>",
	Short: "Obfuscate a value the way the resolver stores endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newCodec().Encode(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <text>",
	Short: "Reveal a stored value; plain URLs are printed as-is",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, plain, ok := newCodec().Reveal(args[0])
		if !ok {
			return fmt.Errorf("value is neither decodable nor a plain url")
		}
		if plain {
			fmt.Fprintln(cmd.ErrOrStderr(), "note: value is stored as plain text")
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{encodeCmd, decodeCmd} {
		c.Flags().StringVarP(&codecKey, "key", "k", "", "Codec key (defaults to resolver.obfuscation_key)")
		rootCmd.AddCommand(c)
	}
}
