package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aryandayal/amazon-server/internal/dispatch"
	"github.com/aryandayal/amazon-server/internal/protocol"
)

// decodedFrame is one line of decode output
type decodedFrame struct {
	Frame  string                   `json:"frame"`
	Tag    string                   `json:"tag,omitempty"`
	Record protocol.Record          `json:"record,omitempty"`
	Event  *dispatch.LocationUpdate `json:"gps_update,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// decodeSummary is printed after all input has been consumed
type decodeSummary struct {
	Frames    int `json:"frames"`
	Decoded   int `json:"decoded"`
	Rejected  int `json:"rejected"`
	Published int `json:"published"`
	Leftover  int `json:"leftover_bytes"`
}

func newDecodeCommand() *cobra.Command {
	var pretty bool
	var summary bool

	cmd := &cobra.Command{
		Use:   "decode [file...]",
		Short: "Decode captured tracker traffic to JSON",
		Long: `Decode reads raw device bytes from the given files, or stdin when none
are given, and prints one JSON object per extracted frame. Position reports
that would be published also carry the gps_update payload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var inputs []io.Reader
			if len(args) == 0 {
				inputs = append(inputs, cmd.InOrStdin())
			}
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				defer f.Close()
				inputs = append(inputs, f)
			}

			result, err := decodeStream(io.MultiReader(inputs...), cmd.OutOrStdout(), pretty)
			if err != nil {
				return err
			}

			if summary {
				enc := json.NewEncoder(cmd.ErrOrStderr())
				return enc.Encode(result)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent JSON output")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print frame counts to stderr when done")

	return cmd
}

// decodeStream frames, tokenizes and decodes r, writing one JSON document per frame to w
func decodeStream(r io.Reader, w io.Writer, pretty bool) (decodeSummary, error) {
	var result decodeSummary

	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}

	// The whole input is one stream, so no buffer cap applies
	framer := protocol.NewFramer(0)
	buf := make([]byte, 32*1024)

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			frames, _ := framer.Feed(buf[:n])
			for _, frame := range frames {
				out := decodeOne(frame)
				result.Frames++
				switch {
				case out.Error != "":
					result.Rejected++
				default:
					result.Decoded++
				}
				if out.Event != nil {
					result.Published++
				}
				if err := enc.Encode(out); err != nil {
					return result, fmt.Errorf("failed to write output: %w", err)
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return result, fmt.Errorf("failed to read input: %w", readErr)
		}
	}

	result.Leftover = framer.Buffered()
	return result, nil
}

func decodeOne(frame protocol.RawFrame) decodedFrame {
	out := decodedFrame{Frame: frame.String()}

	fields, err := protocol.Tokenize(frame)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	record := protocol.Decode(fields)
	out.Tag = record.Tag()
	out.Record = record

	if report, ok := record.(*protocol.PositionReport); ok && report.HasValidCoordinates() {
		update := dispatch.NewLocationUpdate(report)
		out.Event = &update
	}
	return out
}
