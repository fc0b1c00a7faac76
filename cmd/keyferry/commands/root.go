package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"keyferry/internal/gpgagent"
	"keyferry/internal/transfer"
)

var (
	lifetime uint32
	confirm  bool
	verbose  bool
)

func Execute() error {
	root := &cobra.Command{
		Use:   "keyferry [flags] KEYGRIP [COMMENT]",
		Short: "Move a secret key from gpg-agent to ssh-agent",
		Long: "Extracts a secret key from the GnuPG agent (by keygrip)\n" +
			"and sends it to the running SSH agent.\n\n" +
			"KEYGRIP must be 40 hexadecimal digits\n" +
			"  (try \"gpg --with-keygrip --list-secret-keys\")\n" +
			"COMMENT (optional) is stored with the key in ssh-agent.",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := transfer.Request{
				Keygrip:         args[0],
				LifetimeSeconds: lifetime,
				Confirm:         confirm,
			}
			if len(args) == 2 {
				req.Comment = args[1]
			}
			if err := transfer.ValidateKeygrip(req.Keygrip); err != nil {
				return err
			}

			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			svc := transfer.New(log, gpgagent.GpgconfLocator, gpgagent.GpgconfLauncher, os.LookupEnv)
			return svc.Transfer(req)
		},
	}

	root.Flags().Uint32VarP(&lifetime, "lifetime", "t", 0, "seconds the key may live in ssh-agent (0 = unlimited)")
	root.Flags().BoolVarP(&confirm, "confirm", "c", false, "require confirmation when using the key in ssh-agent")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "log protocol status lines")

	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "keyferry:", err)
	}
	return err
}

// newLogger builds a console logger on stderr; stdout stays free for
// scripting.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}
