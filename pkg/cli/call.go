package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	rpc "github.com/rishiad/uplink-server/pkg/client"
	"github.com/rishiad/uplink-server/pkg/codec"
)

var (
	callText    bool
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <channel> <method> [arg]",
	Short: "Invoke an RPC method over the persistent transport",
	Long: `Call dials the daemon's RPC listener, performs a handshake, and invokes
one method. The argument is sent as a JSON record; pass --text to send it
as a plain text value instead. Omitting the argument sends the absent
value, which is what nullary methods like control.ping expect.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		arg := codec.Absent()
		if len(args) == 3 {
			if callText {
				arg = codec.Text(args[2])
			} else {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("argument is not valid JSON (use --text to send it verbatim)")
				}
				arg = codec.Record(json.RawMessage(args[2]))
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()

		rc, err := rpc.Dial(ctx, cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("failed to reach daemon at %s: %w", cfg.Server.Addr, err)
		}
		defer rc.Close()
		if err := rc.WaitReady(ctx); err != nil {
			return fmt.Errorf("channel discovery did not finish: %w", err)
		}

		res, err := rc.Call(ctx, args[0], args[1], arg)
		if err != nil {
			return fmt.Errorf("call %s.%s failed: %w", args[0], args[1], err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderValue(res))
		return nil
	},
}

// renderValue prints one wire value the way a human wants to read it.
func renderValue(v codec.Value) string {
	switch v.Kind {
	case codec.KindAbsent:
		return "(absent)"
	case codec.KindText:
		return v.Text
	case codec.KindBytes:
		if utf8.Valid(v.Bytes) {
			return string(v.Bytes)
		}
		return fmt.Sprintf("(%d bytes) %x", len(v.Bytes), v.Bytes)
	case codec.KindList:
		parts := make([]string, len(v.List))
		for i, e := range v.List {
			parts[i] = renderValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case codec.KindRecord:
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, v.Record, "", "  "); err != nil {
			return string(v.Record)
		}
		return pretty.String()
	case codec.KindInt:
		return strconv.FormatUint(uint64(v.Int), 10)
	default:
		return fmt.Sprintf("(unknown kind %d)", v.Kind)
	}
}

func init() {
	callCmd.Flags().BoolVar(&callText, "text", false, "send the argument as a text value instead of a JSON record")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 10*time.Second, "overall deadline for dial, handshake, and call")
	rootCmd.AddCommand(callCmd)
}
