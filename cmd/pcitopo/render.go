package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pciemu/internal/devices/pci"
)

func encodeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

// render prints the topology in the requested format.
func render(w io.Writer, format string, buses []pci.BusInfo) error {
	switch format {
	case "yaml":
		return encodeYAML(w, map[string]any{"buses": buses})
	case "table":
		return renderTable(w, buses)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderTable(w io.Writer, buses []pci.BusInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, bus := range buses {
		fmt.Fprintf(tw, "bus %d\tio %s-%s\tmem32 %s-%s\tmem64 %s-%s\n",
			bus.Bus, bus.IO.Base, bus.IO.Limit, bus.Mem32.Base, bus.Mem32.Limit, bus.Mem64.Base, bus.Mem64.Limit)
		fmt.Fprintln(tw, "ADDRESS\tDEVICE\tID\tCLASS\tPIN\tIRQ\tBARS")
		for _, fn := range bus.Functions {
			var irqs []string
			if fn.MSI {
				irqs = append(irqs, "msi")
			}
			if fn.MSIX {
				irqs = append(irqs, "msix")
			}
			var bars []string
			for _, b := range fn.Bars {
				bars = append(bars, fmt.Sprintf("%d:%s@%s/%s", b.Index, b.Type, b.Addr, b.Size))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s:%s\t%s\t%s\t%s\t%s\n",
				fn.Address, fn.Device, fn.VendorID, fn.DeviceID, fn.Class,
				dash(fn.Pin), dash(strings.Join(irqs, ",")), dash(strings.Join(bars, " ")))
		}
		if len(bus.Routes) > 0 {
			fmt.Fprintln(tw, "SLOT\tPIN\tLINK\tISA IRQ\tIOAPIC IRQ")
			for _, r := range bus.Routes {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n", r.Slot, r.Pin, r.Link, r.ISAIRQ, r.IOAPICIRQ)
			}
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func renderProbe(w io.Writer, format string, found []probedFunction) error {
	switch format {
	case "yaml":
		return encodeYAML(w, map[string]any{"functions": found})
	case "table":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tVENDOR\tDEVICE\tCLASS\tHEADER\tPIN\tLINE")
	for _, f := range found {
		fmt.Fprintf(tw, "%s\t%04x\t%04x\t%06x\t%02x\t%d\t%d\n",
			f.Address, f.VendorID, f.DeviceID, f.Class, f.Header, f.Pin, f.Line)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
