package main

import (
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/integration"
	"github.com/notargets/tilefab/kernels"
	"github.com/notargets/tilefab/occafab"
	"github.com/notargets/tilefab/utils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// openOCCA runs the program on the first OCCA device opts allows
func openOCCA(prog *kernels.Program, opts integration.Options) (fabric.Runtime, func(), error) {
	device, err := utils.OpenDevice(opts.Device...)
	if err != nil {
		return nil, nil, err
	}
	return occafab.New(device, prog), device.Free, nil
}

func newRunCmd() *cobra.Command {
	var (
		config string
		flags  = integration.DefaultOptions()
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a compiled layout and check it against the host reference",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := integration.DefaultOptions()
			if config != "" {
				var err error
				if opts, err = integration.LoadOptions(config, opts); err != nil {
					return err
				}
			}
			f := cmd.Flags()
			if f.Changed("name") {
				opts.Name = flags.Name
			}
			if f.Changed("cmaddr") {
				opts.CmAddr = flags.CmAddr
			}
			if f.Changed("backend") {
				opts.Backend = flags.Backend
			}
			if f.Changed("seed") {
				opts.Seed = flags.Seed
			}
			if f.Changed("appliance") {
				opts.Appliance = flags.Appliance
				if !f.Changed("name") && config == "" {
					// the locator file sits in the working directory
					opts.Name = "."
				}
			}

			open := integration.Simulator
			switch opts.Backend {
			case integration.BackendOCCA:
				open = openOCCA
			case integration.BackendSim:
			default:
				return errors.Errorf("unknown backend %q", opts.Backend)
			}
			_, err := integration.Run(cmd.Context(), opts, open)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.Name, "name", flags.Name, "compile output dir (with --appliance, the directory holding the locator)")
	f.StringVar(&flags.CmAddr, "cmaddr", "", "IP:port of a remote system; the sim and occa backends reject it")
	f.StringVar(&flags.Backend, "backend", flags.Backend, "execution backend, sim or occa")
	f.Uint64Var(&flags.Seed, "seed", flags.Seed, "random operand seed")
	f.BoolVar(&flags.Appliance, "appliance", false, "use a context-managed session found through the locator file")
	f.StringVar(&config, "config", "", "YAML run options; flags override its values")
	return cmd
}
