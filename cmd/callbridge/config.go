package main

import (
	"fmt"
	"sort"

	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/spf13/cobra"
)

func newConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(flags))
	return cmd
}

func newConfigCheckCmd(flags *rootFlags) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and vendor settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bridge.LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if err := bridge.CheckProviders(cfg, nil); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (topology=%s llm=%s profile=%s)\n",
				flags.configPath, cfg.Relay.Topology, cfg.Vendors.LLM.Provider, cfg.Tools.Profile)
			if !show {
				return nil
			}
			vendors := []struct {
				path string
				vc   bridge.VendorConfig
			}{
				{"vendors.stt", cfg.Vendors.STT},
				{"vendors.tts", cfg.Vendors.TTS},
				{"vendors.llm", cfg.Vendors.LLM},
				{"sms", bridge.VendorConfig{Provider: cfg.SMS.Provider, Settings: cfg.SMS.Settings}},
			}
			for _, v := range vendors {
				fmt.Fprintf(out, "%s: %s\n", v.path, v.vc.Provider)
				settings := bridge.MaskedSettings(v.vc)
				keys := make([]string, 0, len(settings))
				for k := range settings {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "  %s: %v\n", k, settings[k])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print vendor settings with secrets masked")
	return cmd
}
