package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tsbridge/internal/channels"
	"tsbridge/internal/events"
	hostreg "tsbridge/internal/host"
	"tsbridge/internal/plugins"
	tsplugin "tsbridge/internal/plugins/thingspeak"
	"tsbridge/internal/thingspeak"
)

var sweepForce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one upload pass and exit",
	Long: `Runs a single scheduler pass against the stored channels and registry values.
Channels that are not yet due are left alone unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVarP(&sweepForce, "force", "f", false, "upload every eligible channel regardless of its interval")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	h, err := openHost()
	if err != nil {
		return err
	}
	defer h.Close()

	registry := hostreg.NewMemory(h.store, h.logger)
	if err := registry.Load(); err != nil {
		return err
	}

	deps := &plugins.PluginDependencies{
		Config:     h.cfg,
		EventStore: events.NewStore(100),
		Logger:     h.logger,
		Storage:    h.store,
		Registry:   registry,
		ThingSpeak: thingspeak.NewClient(h.cfg.ThingSpeakHost(),
			thingspeak.WithUserAgent("tsbridge/"+Version),
			thingspeak.WithTimeout(tsplugin.MaxRequestTimeout),
		),
	}

	p := tsplugin.New()
	if err := p.Init(cmd.Context(), deps); err != nil {
		return err
	}

	report := p.RunSweep(cmd.Context(), sweepForce)
	printReport(report)
	return report.Err
}

func printReport(report channels.SweepReport) {
	if len(report.Results) == 0 {
		fmt.Println("No channels configured")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tOUTCOME\tENTRY\tDETAIL")
	for _, res := range report.Results {
		entry := "-"
		if res.EntryID > 0 {
			entry = fmt.Sprint(res.EntryID)
		}
		detail := res.Reason
		if res.KeyRepaired {
			detail = "write key trimmed " + detail
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", res.ChannelName, res.Outcome, entry, detail)
	}
	w.Flush()

	fmt.Printf("\n%d uploaded, %d failed, %d skipped, %d not due\n",
		report.Count(channels.OutcomeUploaded), report.Count(channels.OutcomeFailed),
		report.Count(channels.OutcomeSkipped), report.Count(channels.OutcomeNotDue))
}
