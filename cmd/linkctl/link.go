package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Run the VERSION handshake against the host",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		v, err := c.Version(commandContext(cmd))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "host protocol version %d (local %d)\n", v, protocol.Version)
		return nil
	},
}

var displayFlags struct {
	width, height uint16
	depth         uint8
}

var initDisplayCmd = &cobra.Command{
	Use:   "init-display",
	Short: "Ask the host to create the display surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		d := protocol.InitDisplay{Width: displayFlags.width, Height: displayFlags.height, ColorDepth: displayFlags.depth}
		if err := c.InitDisplay(commandContext(cmd), d); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "display %dx%d depth %d acknowledged\n", d.Width, d.Height, d.ColorDepth)
		return nil
	},
}

var sendFlags struct {
	msgType string
	subCmd  uint8
	hexData string
	file    string
	ack     bool
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message, chunking it when the payload is large",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := parseType(sendFlags.msgType)
		if err != nil {
			return err
		}
		payload, err := readPayload(sendFlags.hexData, sendFlags.file)
		if err != nil {
			return err
		}

		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		env := protocol.Envelope{Type: typ, SubCmd: sendFlags.subCmd, Payload: payload}
		if !sendFlags.ack {
			env.Seq = c.NextSeq()
			if err := c.Send(env); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s seq=%d bytes=%d\n", protocol.TypeName(typ), env.Seq, len(payload))
			return nil
		}

		resp, err := c.Call(commandContext(cmd), env)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "acked %s bytes=%d response=%s\n", protocol.TypeName(typ), len(payload), hex.EncodeToString(resp))
		return nil
	},
}

func parseType(name string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "control":
		return protocol.TypeControl, nil
	case "graphics":
		return protocol.TypeGraphics, nil
	case "audio":
		return protocol.TypeAudio, nil
	case "input":
		return protocol.TypeInput, nil
	default:
		return 0, fmt.Errorf("unknown message type %q (control|graphics|audio|input)", name)
	}
}

func readPayload(hexData, file string) ([]byte, error) {
	if hexData != "" && file != "" {
		return nil, fmt.Errorf("--hex and --file are exclusive")
	}
	if file != "" {
		return os.ReadFile(file)
	}
	if hexData == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(hexData, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("parse --hex: %w", err)
	}
	return b, nil
}

func init() {
	initDisplayCmd.Flags().Uint16Var(&displayFlags.width, "width", 320, "surface width")
	initDisplayCmd.Flags().Uint16Var(&displayFlags.height, "height", 240, "surface height")
	initDisplayCmd.Flags().Uint8Var(&displayFlags.depth, "depth", 8, "color depth in bits")

	sendCmd.Flags().StringVar(&sendFlags.msgType, "type", "graphics", "message type: control|graphics|audio|input")
	sendCmd.Flags().Uint8Var(&sendFlags.subCmd, "sub-cmd", 0, "sub command byte")
	sendCmd.Flags().StringVar(&sendFlags.hexData, "hex", "", "payload as hex")
	sendCmd.Flags().StringVar(&sendFlags.file, "file", "", "payload read from a file")
	sendCmd.Flags().BoolVar(&sendFlags.ack, "ack", false, "request an ACK and wait for it")

	rootCmd.AddCommand(versionCmd, initDisplayCmd, sendCmd)
}
