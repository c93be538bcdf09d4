// Command tilefab compiles and runs tiled matrix computations on a PE
// fabric: the simulator, an OCCA device, or a remote system.
package main

import (
	goflag "flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tilefab",
		Short:         "Compile and run tiled GEMM/GEMV layouts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	fs := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(fs)
	root.PersistentFlags().AddGoFlagSet(fs)

	root.AddCommand(newCompileCmd(), newRunCmd())
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
