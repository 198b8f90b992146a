package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/MrWong99/pitchoverlay/internal/config"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/crepe"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [manifest]",
		Short: "Validate a weights manifest and print its layers",
		Long: `inspect loads a weights manifest, builds the network to check every layer
shape and prints the layer table. Without an argument the configured
model.manifest is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				path = config.ResolvePath(cfg.Model.Manifest)
			}
			w, err := weights.Load(path)
			if err != nil {
				return err
			}
			eng, err := crepe.NewEngine(w)
			if err != nil {
				return err
			}
			printNetwork(cmd.OutOrStdout(), path, eng)
			return nil
		},
	}
}

func printNetwork(out io.Writer, path string, eng *crepe.Engine) {
	meta := eng.Metadata()
	nw := eng.Network()

	r := lipgloss.NewRenderer(out)
	header := r.NewStyle().Bold(true).Padding(0, 1)
	cell := r.NewStyle().Padding(0, 1)

	fmt.Fprintf(out, "model:      %s\n", eng.Model())
	fmt.Fprintf(out, "manifest:   %s\n", path)
	fmt.Fprintf(out, "input:      %s at %d Hz\n", nw.InputShape(), meta.SampleRate)
	fmt.Fprintf(out, "bins:       %d (%.4f cents + %.1f per bin)\n", meta.Bins, meta.CentsOffset, meta.CentsPerBin)
	fmt.Fprintf(out, "parameters: %d\n\n", nw.ParamCount())

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.NewStyle().Foreground(lipgloss.Color("#6e7681"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers("#", "name", "kind", "output", "params")
	for i, l := range nw.Layers() {
		t.Row(strconv.Itoa(i), l.Name, l.Kind.String(), nw.LayerShape(i).String(), strconv.Itoa(l.ParamCount()))
	}
	fmt.Fprintln(out, t.Render())
}

func newWeightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Manage weights manifests",
	}
	cmd.AddCommand(newWeightsInitCmd())
	return cmd
}

func newWeightsInitCmd() *cobra.Command {
	var (
		capacity string
		template bool
		seed     uint64
		outDir   string
		name     string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an untrained CREPE manifest or the template network",
		Long: `init writes a manifest and blob that load with the native backend.

By default the CREPE architecture of the given capacity is written with
randomly initialised parameters, which exercises the full pipeline but does
not track pitch. --template writes a small deterministic network that does
track pitch, to one semitone, around 220 Hz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var w *weights.Weights
			if template {
				w = crepe.Template(crepe.TemplateConfig{})
				if name == "" {
					name = "template"
				}
			} else {
				c, err := crepe.ParseCapacity(capacity)
				if err != nil {
					return err
				}
				if w, err = crepe.Architecture(c, seed); err != nil {
					return err
				}
				if name == "" {
					name = "crepe-" + string(c)
				}
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			path, err := weights.Save(outDir, name, w)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d parameters)\n", filepath.Clean(path), w.ParamCount())
			return nil
		},
	}
	cmd.Flags().StringVar(&capacity, "capacity", string(crepe.Tiny), "model capacity: tiny, small, medium, large or full")
	cmd.Flags().BoolVar(&template, "template", false, "write the pitch-tracking template network instead")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed for parameter initialisation")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().StringVar(&name, "name", "", "file name without extension (default derived from the model)")
	return cmd
}
