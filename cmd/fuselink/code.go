package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/fuselink/internal/totp"
)

var errCodeMismatch = errors.New("code does not match")

func codeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code SECRET",
		Short: "Compute or check a TOTP code",
		Long: `Compute the current code for SECRET, which may be a raw string, a
base32 secret or an otpauth:// URI. With --verify the command checks a
code instead and exits non-zero when it does not match.`,
		Args: cobra.ExactArgs(1),
		RunE: runCode,
	}
	cmd.Flags().Int("interval", totp.DefaultInterval, "time step in seconds")
	cmd.Flags().Int("digits", totp.DefaultDigits, "code length")
	cmd.Flags().String("algorithm", totp.DefaultAlgorithm, "HMAC digest (sha1, sha256, sha512, sha3_256, blake2b, ...)")
	cmd.Flags().Int64("at", 0, "unix time to evaluate at (default now)")
	cmd.Flags().String("verify", "", "check this code instead of printing one")
	cmd.Flags().Int("skew", 0, "with --verify, time steps of clock skew accepted either side")
	cmd.Flags().Bool("uri", false, "also print the otpauth URI")
	cmd.Flags().Bool("json", false, "print the full evaluation as JSON")
	return cmd
}

func runCode(cmd *cobra.Command, args []string) error {
	p := totp.Params{Secret: args[0]}
	p.Interval, _ = cmd.Flags().GetInt("interval")
	p.Digits, _ = cmd.Flags().GetInt("digits")
	p.Algorithm, _ = cmd.Flags().GetString("algorithm")
	p.Epoch, _ = cmd.Flags().GetInt64("at")
	candidate, _ := cmd.Flags().GetString("verify")
	skew, _ := cmd.Flags().GetInt("skew")
	if candidate != "" {
		p.Extra = map[string]string{"verify": candidate}
	}

	res, err := totp.EvaluateWindow(p, time.Now(), skew)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if candidate == "" {
		fmt.Fprintln(out, res.Code())
		if withURI, _ := cmd.Flags().GetBool("uri"); withURI {
			fmt.Fprintln(out, res.URI())
		}
	}

	if candidate == "" {
		return nil
	}
	if !res.Matched() {
		return errCodeMismatch
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "code matches")
	return nil
}
