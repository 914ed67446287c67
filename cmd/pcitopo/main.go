// Command pcitopo builds a PCI topology from a YAML description or slot
// strings, runs BAR allocation and interrupt routing, and prints the
// resulting layout.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/pciemu/internal/devices/pci"
	"github.com/tinyrange/pciemu/internal/pciconfig"

	_ "github.com/tinyrange/pciemu/internal/devices/hostbridge"
	_ "github.com/tinyrange/pciemu/internal/devices/pcidummy"
)

var (
	configPath string
	format     string
	verbose    bool
	withACPI   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "topology YAML file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&format, "format", "o", "auto", "output format: auto, table or yaml")
	rootCmd.Flags().BoolVar(&withACPI, "acpi", false, "append the device descriptions contributed by backends")

	probeCmd.Flags().Bool("ecam", false, "probe through the ECAM window instead of ports 0xCF8/0xCFC")
	probeCmd.Flags().Int("buses", 1, "number of buses to scan")

	rootCmd.AddCommand(devicesCmd, probeCmd)
}

var rootCmd = &cobra.Command{
	Use:   "pcitopo [slot...]",
	Short: "Build a PCI topology and print its layout.",
	Long: `Build a PCI topology and print its layout.

Devices come from --config and from slot arguments of the form
  [bus:]slot[:func],device[,name[=value]...]
for example "3,dummy,msix" or "0:0:0,hostbridge".`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildFromFlags(args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if err := render(out, outputFormat(), env.host.Topology()); err != nil {
			return err
		}
		if withACPI {
			return env.host.WriteTopology(out)
		}
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the device models that can be placed in a slot.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range pci.Backends() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe [slot...]",
	Short: "Enumerate the topology the way a guest would, through configuration space.",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildFromFlags(args)
		if err != nil {
			return err
		}
		ecam, _ := cmd.Flags().GetBool("ecam")
		buses, _ := cmd.Flags().GetInt("buses")
		if buses < 1 || buses > pci.MaxBuses {
			return fmt.Errorf("--buses must be between 1 and %d", pci.MaxBuses)
		}
		found, err := env.probe(ecam, buses)
		if err != nil {
			return err
		}
		return renderProbe(cmd.OutOrStdout(), outputFormat(), found)
	},
}

// buildFromFlags loads --config, appends slot arguments and initialises
// the topology.
func buildFromFlags(args []string) (*vmEnv, error) {
	topo := &pciconfig.Topology{}
	if configPath != "" {
		var err error
		if topo, err = pciconfig.Load(configPath); err != nil {
			return nil, err
		}
	} else if len(args) == 0 {
		return nil, fmt.Errorf("no devices: pass --config or slot arguments")
	}
	for _, arg := range args {
		d, err := pciconfig.ParseSlot(arg)
		if err != nil {
			return nil, err
		}
		topo.Devices = append(topo.Devices, d)
	}
	if topo.Memory.Low == 0 {
		topo.Memory.Low = pciconfig.Size(defaultLowMemory)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return buildVM(topo)
}

func outputFormat() string {
	if format != "auto" {
		return format
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "table"
	}
	return "yaml"
}
