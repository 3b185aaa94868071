package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/inverter"
	"github.com/spf13/cobra"
)

var decodeCmd = &cobra.Command{
	Use:   "decode HEX...",
	Short: "Decode frames given in hex, offline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		errs := 0
		for _, arg := range args {
			if err := printFrame(os.Stdout, arg); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				errs++
			}
		}
		if errs != 0 {
			return errors.Errorf("decode failed frames=%d", errs)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}

func printFrame(w io.Writer, s string) error {
	f, err := inverter.ParseHex(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	tag, _ := f.Tag()
	fmt.Fprintf(w, "frame kind=%s tag=%s len=%d\n", f.Kind(), tag, f.Len())
	switch f.Kind() {
	case inverter.KindStatus:
		t, err := inverter.DecodeStatus(f)
		if err != nil {
			return err
		}
		for _, r := range t {
			fmt.Fprintf(w, "  %-24s %s\n", r.Name, r.Value.String())
		}
	case inverter.KindCommandEcho:
		res, ok := inverter.LookupEcho(f)
		if !ok {
			fmt.Fprintf(w, "  no matching command template\n")
			return nil
		}
		fmt.Fprintf(w, "  %s\n", res.String())
	}
	return nil
}
