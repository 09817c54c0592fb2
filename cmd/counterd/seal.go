package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/plaenen/counterledger/pkg/security/credentials"
)

// SealOptions holds flags for the seal-credentials command.
type SealOptions struct {
	*RootOptions
	KeeperURL string
	Out       string
	Token     string
	User      string
	Password  string
}

// NewSealCredentialsCommand creates the seal-credentials command.
func NewSealCredentialsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SealOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seal-credentials",
		Short: "Encrypt NATS credentials for nats.credentials_file",
		Long: `Encrypt a NATS token or user/password with a gocloud.dev secrets keeper
and write the ciphertext to --out. Point nats.credentials_file and
nats.keeper_url at the result.

Examples:
  counterd seal-credentials --keeper base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4= \
      --token s3cr3t --out nats.creds
  counterd seal-credentials --keeper awskms://alias/counterd --user counterd --password ... --out nats.creds`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := &credentials.Credentials{Type: credentials.CredentialTypeToken, Token: opts.Token}
			if opts.User != "" {
				creds = &credentials.Credentials{
					Type:     credentials.CredentialTypeUserPassword,
					User:     opts.User,
					Password: opts.Password,
				}
			}

			sealed, err := credentials.Seal(cmd.Context(), opts.KeeperURL, creds)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to seal credentials", err)
			}
			if err := os.WriteFile(opts.Out, sealed, 0o600); err != nil {
				return WrapExitError(ExitCommandError, "failed to write credentials file", err)
			}

			result := map[string]string{"file": opts.Out, "type": string(creds.Type)}
			return opts.output(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "Sealed %s credentials to %s\n", creds.Type, opts.Out)
			})
		},
	}

	cmd.Flags().StringVar(&opts.KeeperURL, "keeper", "", "gocloud.dev secrets keeper URL (required)")
	_ = cmd.MarkFlagRequired("keeper")
	cmd.Flags().StringVar(&opts.Out, "out", "", "file to write (required)")
	_ = cmd.MarkFlagRequired("out")
	cmd.Flags().StringVar(&opts.Token, "token", "", "NATS token")
	cmd.Flags().StringVar(&opts.User, "user", "", "NATS user")
	cmd.Flags().StringVar(&opts.Password, "password", "", "NATS password")
	cmd.MarkFlagsMutuallyExclusive("token", "user")
	cmd.MarkFlagsRequiredTogether("user", "password")

	return cmd
}
