package main

import (
	"github.com/notargets/tilefab/artifact"
	"github.com/notargets/tilefab/kernels"
	"github.com/notargets/tilefab/simfab"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newCompileCmd() *cobra.Command {
	var (
		layout, out, source, dir string
		simulator                bool
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a layout and record where the artifact went",
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := kernels.Lookup(layout)
			if err != nil {
				return err
			}
			opts := def.CompileOptions(simulator)
			opts.Out = out
			klog.Infof("compile %s: %s", layout, opts.Flags())
			path, err := artifact.Compile(cmd.Context(), simfab.Compiler{Layout: layout}, source, def.Source, opts, dir)
			if err != nil {
				return err
			}
			klog.Infof("artifact written to %s", path)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&layout, "layout", "gemm", "layout to compile, one of gemm, gemv")
	f.StringVar(&out, "out", "out", "artifact directory name")
	f.StringVar(&source, "source", "./src", "layout source directory")
	f.StringVar(&dir, "dir", ".", "directory receiving the artifact and its locator file")
	f.BoolVar(&simulator, "simulator", false, "size the fabric for the simulator")
	return cmd
}
