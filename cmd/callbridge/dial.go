package main

import (
	"errors"
	"fmt"

	"github.com/harunnryd/callbridge/pkg/transports/twilio"
	"github.com/spf13/cobra"
)

type dialFlags struct {
	to         string
	from       string
	url        string
	sendDigits string
}

func newDialCmd(flags *rootFlags) *cobra.Command {
	df := &dialFlags{}
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Place an outbound call answered by the running bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if df.to == "" || df.from == "" {
				return errors.New("--to and --from are required")
			}
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			dialer := twilio.NewDialer(twilio.Config{
				AccountSID: cfg.Twilio.AccountSID,
				AuthToken:  cfg.Twilio.AuthToken,
				PublicURL:  cfg.Server.PublicURL,
			})
			sid, err := dialer.Dial(commandContext(cmd), df.to, df.from, twilio.DialOptions{
				URL:        df.url,
				SendDigits: df.sendDigits,
			})
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			logger.Info("call_placed", "call_sid", sid, "to", df.to)
			fmt.Fprintln(cmd.OutOrStdout(), sid)
			return nil
		},
	}
	cmd.Flags().StringVar(&df.to, "to", "", "number to call (E.164)")
	cmd.Flags().StringVar(&df.from, "from", "", "Twilio number to call from (E.164)")
	cmd.Flags().StringVar(&df.url, "url", "", "TwiML URL; defaults to the bridge's incoming webhook")
	cmd.Flags().StringVar(&df.sendDigits, "send-digits", "", "DTMF digits to send once answered")
	return cmd
}
