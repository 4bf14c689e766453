package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/andreistan26/golayout/pkg/linker"
	"github.com/andreistan26/golayout/pkg/log"
	"github.com/andreistan26/golayout/pkg/script"
)

func RootCmd() *cobra.Command {
	opts := struct {
		Profile bool
		Debug   bool
	}{
		false,
		false,
	}

	var profile *os.File

	rootCmd := &cobra.Command{
		Use:           "golayout",
		Short:         "Golayout lays out ELF sections and segments from linker scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.Setup(cmd.ErrOrStderr(), opts.Debug)

			if opts.Profile {
				file, err := os.Create("cpu.pprof")
				if err != nil {
					return err
				}
				if err := pprof.StartCPUProfile(file); err != nil {
					file.Close()
					return err
				}
				profile = file
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if profile != nil {
				pprof.StopCPUProfile()
				return profile.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.Profile, "profile", "p", false, "enable profiling")
	rootCmd.PersistentFlags().BoolVarP(&opts.Debug, "debug", "d", false, "enable debugging")

	rootCmd.AddCommand(linkerCmd())
	rootCmd.AddCommand(checkCmd())

	return rootCmd
}

// Execute runs the root command and reports a failure through the logger.
func Execute(ctx context.Context) error {
	err := RootCmd().ExecuteContext(ctx)
	if err != nil {
		log.Errorf("%v", err)
	}
	return err
}

// parseSegmentStarts reads name=address pairs such as text-segment=0x10000.
func parseSegmentStarts(pairs []string) (map[string]uint64, error) {
	out := map[string]uint64{}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: segment start %q is not name=address", linker.InvalidOptionErr, pair)
		}
		addr, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: segment start %q: %v", linker.InvalidOptionErr, pair, err)
		}
		out[name] = addr
	}
	return out, nil
}

func linkerCmd() *cobra.Command {
	inputs := linker.DefaultInputs()
	var segmentStarts []string
	var textSegment, dataSegment, bssSegment uint64
	var dump bool

	linkerCmd := &cobra.Command{
		Use:   "link [flags] file...",
		Short: "Lay out input files and print the link map",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			starts, err := parseSegmentStarts(segmentStarts)
			if err != nil {
				return err
			}
			for name, flag := range map[string]uint64{
				"text-segment": textSegment,
				"data-segment": dataSegment,
				"bss-segment":  bssSegment,
			} {
				if cmd.Flags().Changed(name) {
					starts[name] = flag
				}
			}
			inputs.SegmentStarts = starts
			inputs.Filenames = args

			l, err := linker.Link(cmd.Context(), inputs)
			if err != nil {
				return err
			}

			if dump {
				printer := pp.New()
				printer.SetOutput(cmd.OutOrStdout())
				printer.SetColoringEnabled(false)
				printer.Println(l.Layout.Sections())
				printer.Println(l.Layout.Segments())
			}
			return l.WriteMap(cmd.OutOrStdout())
		},
	}

	flags := linkerCmd.Flags()
	flags.StringVarP(&inputs.Script, "script", "T", "", "linker script")
	flags.StringArrayVarP(&inputs.LibraryPaths, "library-path", "L", nil, "directory searched for -l inputs")
	flags.IntVar(&inputs.WordSize, "word-size", inputs.WordSize, "output word size, 32 or 64")
	flags.BoolVar(&inputs.BigEndian, "big-endian", false, "big endian output")
	flags.Uint64Var(&inputs.PageSize, "max-page-size", inputs.PageSize, "ABI page size")
	flags.Uint64Var(&inputs.CommonPageSize, "common-page-size", inputs.CommonPageSize, "common page size")
	flags.BoolVarP(&inputs.Omagic, "omagic", "N", false, "do not page align data, do not make text read-only")
	flags.BoolVarP(&inputs.Nmagic, "nmagic", "n", false, "do not page align data")
	flags.BoolVarP(&inputs.Relocatable, "relocatable", "r", false, "relocatable link, no addresses or segments")
	flags.BoolVar(&inputs.Relro, "relro", false, "pad the relro region to a page boundary")
	flags.StringArrayVar(&inputs.Defsyms, "defsym", nil, "define a symbol, name=expression")
	flags.StringVarP(&inputs.DynamicLinker, "dynamic-linker", "I", "", "program interpreter written to .interp")
	flags.StringArrayVar(&segmentStarts, "segment-start", nil, "segment start, name=address")
	flags.Uint64Var(&textSegment, "text-segment", 0, "address of the text segment")
	flags.Uint64Var(&dataSegment, "data-segment", 0, "address of the data segment")
	flags.Uint64Var(&bssSegment, "bss-segment", 0, "address of the bss segment")
	flags.IntVarP(&inputs.Jobs, "jobs", "j", 0, "files read in parallel, 0 for one per file")
	flags.BoolVar(&dump, "dump", false, "dump output sections and segments")

	return linkerCmd
}

func checkCmd() *cobra.Command {
	var exportedOnly bool

	checkCmd := &cobra.Command{
		Use:   "check script...",
		Short: "Parse linker scripts and dump the parsed commands",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := script.New(script.Options{})
			for _, name := range args {
				if err := s.ParseFile(name); err != nil {
					return err
				}
			}

			printer := pp.New()
			printer.SetOutput(cmd.OutOrStdout())
			printer.SetColoringEnabled(false)
			printer.SetExportedOnly(exportedOnly)
			printer.Println(s)
			return nil
		},
	}

	checkCmd.Flags().BoolVar(&exportedOnly, "exported-only", true, "only print exported fields")

	return checkCmd
}
