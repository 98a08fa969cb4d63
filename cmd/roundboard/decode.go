package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gregtusar/roundboard/pkg/decoder"
	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/spf13/cobra"
)

func newDecodeCmd() *cobra.Command {
	var market string
	var at string

	cmd := &cobra.Command{
		Use:   "decode <file|->",
		Short: "Decode a captured feed payload and print the resulting quotes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := models.ParseMarketType(market)
			if err != nil {
				return err
			}

			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			data, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return decodePayload(cmd.OutOrStdout(), cmd.ErrOrStderr(), m, data, now)
		},
	}

	cmd.Flags().StringVar(&market, "market", "", "market type: crypto, nse, usa, mcx, comex")
	cmd.Flags().StringVar(&at, "at", "", "evaluate contract expiry as of this RFC3339 time")
	cmd.MarkFlagRequired("market")
	return cmd
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

// decodePayload writes the decoded quotes to w. Skipped records are reported
// on errW and do not fail the decode.
func decodePayload(w, errW io.Writer, market models.MarketType, data []byte, now time.Time) error {
	dec, err := decoder.DefaultRegistry().For(market)
	if err != nil {
		return err
	}
	quotes, err := dec.Decode(data, now)
	switch {
	case err == nil:
	case errors.Is(err, decoder.ErrMalformedPayload):
		return err
	default:
		fmt.Fprintf(errW, "warning: %v\n", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(quotes)
}
