package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/pipeline"
	"example.com/stixgate/internal/report"
	"example.com/stixgate/internal/sink"
	"example.com/stixgate/internal/source"
	"example.com/stixgate/internal/tctm"
)

type parseFlags struct {
	input       string
	inputType   string
	out         string
	compress    string
	rawOut      string
	services    []int
	spids       []int
	excludeS20  bool
	storeBinary bool
	live        bool
	runLog      string
	reportJSON  string
	reportPDF   string
	progress    bool
	mqttBroker  string
	mqttTopic   string
	mqttClient  string
}

func newParseCmd(g *globalFlags) *cobra.Command {
	flags := &parseFlags{}

	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Decode a packet file or live hex stream",
		Long: `Decode a STIX packet file into NDJSON packet records followed by a run
summary. Input formats are binary (optionally gzip or zstd compressed), hex,
MOC ASCII and MOC XML; the format is detected unless --type is given.

With --live, hex encoded packets are read from stdin one per line and stamped
with the wall clock.

If --input is omitted, the first positional argument is used.`,
		Example: `  # Decode a raw dump into compressed NDJSON
  stixctl parse --idb idb.yaml --input dump.bin --out packets.ndjson --compress zstd

  # Keep only light curves and write a PDF report
  stixctl parse --idb idb.yaml --spids 54118 --report-pdf run.pdf dump.ascii

  # Decode a live stream
  tail -f stream.hex | stixctl parse --idb idb.yaml --live --out -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if flags.input == "" && len(args) > 0 {
				flags.input = args[0]
			}
			if flags.input == "" && !flags.live {
				return missingFlagError(cmd, "--input")
			}
			return runParse(cmd, g, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.input, "input", "", "Input file (required unless --live)")
	f.StringVar(&flags.inputType, "type", "auto", "Input format: auto, bin, hex, ascii, xml")
	f.StringVar(&flags.out, "out", "", "NDJSON output file, - for stdout")
	f.StringVar(&flags.compress, "compress", "none", "NDJSON output compression: none, gzip, zstd")
	f.StringVar(&flags.rawOut, "raw-out", "", "Write the raw bytes of every kept packet to this file")
	f.IntSliceVar(&flags.services, "services", nil, "Only keep packets of these PUS services")
	f.IntSliceVar(&flags.spids, "spids", nil, "Only keep telemetry packets with these SPIDs")
	f.BoolVar(&flags.excludeS20, "exclude-s20", false, "Drop service 20 forwarded instrument data telecommands")
	f.BoolVar(&flags.storeBinary, "store-binary", false, "Include raw packet bytes in the NDJSON records")
	f.BoolVar(&flags.live, "live", false, "Read a live hex stream from stdin")
	f.StringVar(&flags.runLog, "run-log", "", "Append the run to this JSONL run log")
	f.StringVar(&flags.reportJSON, "report-json", "", "Write a JSON run report")
	f.StringVar(&flags.reportPDF, "report-pdf", "", "Write a PDF run report")
	f.BoolVar(&flags.progress, "progress", false, "Print parse progress to stderr")
	f.StringVar(&flags.mqttBroker, "mqtt-broker", "", "Also publish packets to this MQTT broker (tcp://host:1883)")
	f.StringVar(&flags.mqttTopic, "mqtt-topic", "stix", "MQTT topic prefix")
	f.StringVar(&flags.mqttClient, "mqtt-client-id", "", "MQTT client id (default: random)")

	return cmd
}

func runParse(cmd *cobra.Command, g *globalFlags, flags *parseFlags) error {
	log, closeLog, err := g.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	typ, err := source.ParseType(flags.inputType)
	if err != nil {
		return err
	}
	compression, err := sink.ParseCompression(flags.compress)
	if err != nil {
		return err
	}
	if flags.live && (flags.reportJSON != "" || flags.reportPDF != "" || flags.runLog != "") {
		return errors.New("--live cannot be combined with --run-log or reports")
	}
	env, err := g.env(cmd, log)
	if err != nil {
		return err
	}
	env.Parser = tctm.Options{
		StoreBinary:      flags.storeBinary || flags.rawOut != "",
		Services:         flags.services,
		SPIDs:            flags.spids,
		ExcludeService20: flags.excludeS20,
	}
	if flags.runLog != "" {
		env.RunLog = common.NewRunLog(flags.runLog)
	}

	sinks, outputs, err := openSinks(cmd, flags, compression, log)
	if err != nil {
		return err
	}
	var out tctm.Sink
	if len(sinks) > 0 {
		out = sinks
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *common.Metrics
	if flags.progress {
		metrics = common.NewMetrics()
		stopProgress := common.StartProgressPrinter(cmd.ErrOrStderr(), metrics, 500*time.Millisecond)
		defer stopProgress()
	}

	// Summaries go to stderr when packets stream to stdout.
	summaryOut := cmd.OutOrStdout()
	if flags.out == "-" {
		summaryOut = cmd.ErrOrStderr()
	}

	if flags.live {
		summary, err := env.ParseLive(ctx, cmd.InOrStdin(), out, metrics)
		if err != nil {
			return err
		}
		printSummary(summaryOut, summary)
		return nil
	}

	res, err := env.ParseFile(ctx, pipeline.Job{
		Input:   flags.input,
		Type:    typ,
		Sink:    out,
		Metrics: metrics,
		Outputs: outputs,
	})
	if err != nil {
		return err
	}
	if flags.reportJSON != "" || flags.reportPDF != "" {
		rep := report.New(res.Entry, res.Summary, res.Alerts)
		if flags.reportJSON != "" {
			if err := report.SaveJSON(rep, flags.reportJSON); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
		}
		if flags.reportPDF != "" {
			if err := report.SavePDF(rep, flags.reportPDF); err != nil {
				return fmt.Errorf("write pdf: %w", err)
			}
		}
	}
	printSummary(summaryOut, res.Summary)
	if len(res.Alerts) > 0 {
		fmt.Fprintf(summaryOut, "Alerts: %d\n", len(res.Alerts))
	}
	if res.Entry.ID != "" && flags.runLog != "" {
		fmt.Fprintf(summaryOut, "Run: %s\n", res.Entry.ID)
	}
	return nil
}

// openSinks creates the requested outputs. Outputs are released by the
// parser when it closes them with the run summary.
func openSinks(cmd *cobra.Command, flags *parseFlags, compression sink.Compression, log *common.Logger) (sink.Multi, []string, error) {
	var sinks sink.Multi
	var outputs []string
	fail := func(err error) (sink.Multi, []string, error) {
		if len(sinks) > 0 {
			_ = sinks.Close(tctm.Summary{Status: err})
		}
		return nil, nil, err
	}
	switch flags.out {
	case "":
	case "-":
		sinks = append(sinks, sink.NewNDJSON(cmd.OutOrStdout()))
	default:
		path := flags.out
		if !strings.HasSuffix(path, compression.Extension()) {
			path += compression.Extension()
		}
		nd, err := sink.CreateNDJSON(path, compression)
		if err != nil {
			return fail(fmt.Errorf("create output: %w", err))
		}
		sinks = append(sinks, nd)
		outputs = append(outputs, path)
	}
	if flags.rawOut != "" {
		f, err := os.Create(flags.rawOut)
		if err != nil {
			return fail(fmt.Errorf("create raw output: %w", err))
		}
		sinks = append(sinks, sink.NewRaw(f))
		outputs = append(outputs, flags.rawOut)
	}
	if flags.mqttBroker != "" {
		m, err := sink.DialMQTT(sink.MQTTConfig{
			Broker:      flags.mqttBroker,
			ClientID:    flags.mqttClient,
			TopicPrefix: flags.mqttTopic,
		}, log)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, m)
	}
	return sinks, outputs, nil
}

func printSummary(w io.Writer, s tctm.Summary) {
	fmt.Fprintf(w, "TM: %d (%d parsed)\n", s.NumTM, s.NumTMParsed)
	fmt.Fprintf(w, "TC: %d (%d parsed)\n", s.NumTC, s.NumTCParsed)
	fmt.Fprintf(w, "Filtered: %d\n", s.NumFiltered)
	fmt.Fprintf(w, "Bad headers: %d\n", s.NumBadHeaders)
	fmt.Fprintf(w, "Bad bytes: %d\n", s.NumBadBytes)
	fmt.Fprintf(w, "Total: %s\n", common.FormatBytes(int64(s.TotalLength)))
	fmt.Fprintf(w, "Status: %s\n", s.StatusText())
}
