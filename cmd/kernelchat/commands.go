// cmd/kernelchat/commands.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/agent"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/api"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/probe"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/protocol"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/render"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/session"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/store"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports on this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.Ports()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(os.Stderr, "no serial ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}

var probeFlags struct {
	options []string
	format  string
	local   bool
	save    bool
}

var probeCmd = &cobra.Command{
	Use:   "probe [name]",
	Short: "Run a diagnostic probe; without a name, list probes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, p := range probe.All() {
				fmt.Fprintf(w, "%s\t%s\n", p.Name(), p.Description())
			}
			return w.Flush()
		}
		switch probeFlags.format {
		case "md", "json", "html":
		default:
			return fmt.Errorf("unknown format %q: want md, json or html", probeFlags.format)
		}
		opts, err := probe.ParseOptions(probeFlags.options)
		if err != nil {
			return err
		}

		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		ctx := cmd.Context()

		var runner probe.Runner
		if !probeFlags.local && e.cfg.Serial.Port != "" {
			mgr, err := e.connect(ctx, nil)
			if err != nil {
				return err
			}
			defer mgr.Disconnect()
			runner = mgr
		}
		res, err := probe.RunWith(ctx, runner, args[0], opts, e.logger)
		if err != nil {
			return err
		}

		if probeFlags.save {
			if err := saveReport(ctx, e, res); err != nil {
				return err
			}
		}

		switch probeFlags.format {
		case "json":
			doc, err := res.Report.JSON()
			if err != nil {
				return err
			}
			fmt.Println(string(doc))
		case "html":
			page, err := render.HTMLPage(fmt.Sprintf("%s on %s", res.Probe, res.Source), res.Report.Markdown())
			if err != nil {
				return err
			}
			fmt.Print(page)
		default:
			printMarkdown(res.Report.Markdown())
		}
		return nil
	},
}

func saveReport(ctx context.Context, e *env, res *probe.Result) error {
	db, err := e.openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	rec, err := store.FromResult(res)
	if err != nil {
		return err
	}
	id, err := db.InsertReport(ctx, rec)
	if err != nil {
		return err
	}
	e.logger.Info("report saved", "id", id, "probe", res.Probe)
	return nil
}

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Run a shell script on the device and print its output",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		mgr, err := e.connect(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer mgr.Disconnect()

		match, err := mgr.RunFramed(cmd.Context(), strings.Join(args, " "), runTimeout)
		if err != nil {
			return err
		}
		if match.Payload != "" {
			fmt.Println(match.Payload)
		}
		if match.ExitCode > 0 {
			return exitStatus(match.ExitCode)
		}
		return nil
	},
}

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Type a line on the device console and print what comes back",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		mgr, err := e.connect(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer mgr.Disconnect()

		lines, err := sendAndCollect(cmd.Context(), mgr, strings.Join(args, " "), sendWait)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

// sendAndCollect types text and returns the lines logged within wait.
// The mark survives eviction of older lines while the reply streams in.
func sendAndCollect(ctx context.Context, mgr *session.Manager, text string, wait time.Duration) ([]string, error) {
	buf := mgr.Buffer()
	mark := buf.Mark()
	if err := mgr.Send(ctx, text); err != nil {
		return nil, err
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
	return buf.SinceMark(mark), nil
}

var monitorDuration time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print device output until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		ctx := cmd.Context()
		if monitorDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, monitorDuration)
			defer cancel()
		}
		mgr, err := e.connect(ctx, os.Stdout)
		if err != nil {
			return err
		}
		defer mgr.Disconnect()
		e.logger.Info("monitoring", "device", mgr.Name())
		<-ctx.Done()
		return nil
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console with /probe, /ask, /run and /clear commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		ctx := cmd.Context()
		mgr, err := e.connect(ctx, os.Stdout)
		if err != nil {
			return err
		}
		defer mgr.Disconnect()

		a := newAgent(e, mgr, nil)
		fmt.Fprintf(os.Stderr, "connected to %s, /quit to exit\n", mgr.Name())

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := consoleLine(ctx, mgr, a, line); quit {
					return nil
				}
			}
		}
	},
}

// consoleLine handles one typed line and reports whether to quit
func consoleLine(ctx context.Context, mgr *session.Manager, a *agent.Agent, line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/clear":
		mgr.Buffer().Clear()
	case "/probe":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			err = errors.New("usage: /probe <name> [key=value...]")
			break
		}
		var opts probe.Options
		if opts, err = probe.ParseOptions(fields[1:]); err == nil {
			var res *probe.Result
			if res, err = probe.Run(ctx, mgr, fields[0], opts); err == nil {
				printMarkdown(res.Report.Markdown())
			}
		}
	case "/ask":
		var ans *agent.Answer
		if ans, err = a.Ask(ctx, rest); err == nil {
			printMarkdown(ans.Markdown())
		}
	case "/run":
		var match protocol.Match
		if match, err = mgr.RunFramed(ctx, rest, runTimeout); err == nil {
			fmt.Println(match.Payload)
		}
	default:
		err = mgr.Send(ctx, line)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, render.ErrorLine(err))
		if errors.Is(err, session.ErrNotConnected) {
			return true
		}
	}
	return false
}

// newAgent wires the LLM and store into an agent when they are available
func newAgent(e *env, runner probe.Runner, db *store.DB) *agent.Agent {
	var opts agent.Options
	opts.Logger = e.logger
	if client := e.llmClient(); client.Configured() {
		opts.Generator = client
		opts.Analyzer = client
	}
	if db != nil {
		opts.Recorder = db
	}
	return agent.New(e.cfg.Watch, runner, opts)
}

var askCmd = &cobra.Command{
	Use:   "ask <request>",
	Short: "Answer a request about the device with a probe or an LLM-chosen command",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		mgr, err := e.connect(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer mgr.Disconnect()

		ans, err := newAgent(e, mgr, nil).Ask(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		printMarkdown(ans.Markdown())
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the device's kernel log and record anomalies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		db, err := e.openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		mgr, err := e.connect(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer mgr.Disconnect()

		return newAgent(e, mgr, db).Watch(cmd.Context())
	},
}

var historyFlags struct {
	probe string
	limit int
	watch bool
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored probe reports, or watch results with --watch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		db, err := e.openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush()

		if historyFlags.watch {
			counts, err := db.StatusCounts(ctx)
			if err != nil {
				return err
			}
			results, err := db.QueryNonOK(ctx, historyFlags.limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "ok: %s\twarning: %s\tcritical: %s\tunanalyzed: %s\n",
				humanize.Comma(int64(counts["ok"])), humanize.Comma(int64(counts["warning"])),
				humanize.Comma(int64(counts["critical"])), humanize.Comma(int64(counts["unanalyzed"])))
			for _, r := range results {
				summary := "-"
				if len(r.Issues) > 0 {
					summary = r.Issues[0].Summary
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", humanize.Time(r.Timestamp), r.Device, r.Status, summary)
			}
			return nil
		}

		reports, err := db.RecentReports(ctx, historyFlags.probe, historyFlags.limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tWHEN\tPROBE\tDEVICE\tRAW\tSTATUS")
		for _, r := range reports {
			status := "ok"
			if r.Degraded {
				status = "degraded"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, humanize.Time(r.Timestamp), r.Probe, r.Device,
				humanize.IBytes(uint64(len(r.Raw))), status)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the device session over HTTP",
	Long: `Serve the device session over HTTP.

POST /connect refuses the "local" address unless allow_local is set in the
config file, since a local session runs every /run script in a shell on
this host. Set api_key when the listener is reachable by others.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.close()
		db, err := e.openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		mgr := e.manager(nil)
		if e.cfg.Serial.Port != "" {
			if _, err := mgr.Connect(ctx, e.cfg.Serial.Port, e.cfg.Serial.BaudRate); err != nil {
				e.logger.Warn("initial connect failed", "port", e.cfg.Serial.Port, "error", err)
			}
		}
		h := api.NewHandler(mgr, api.HandlerOptions{
			Agent:           newAgent(e, mgr, db),
			DB:              db,
			APIKey:          e.cfg.APIKey,
			MaxPayloadBytes: e.cfg.MaxPayloadBytes,
			AllowLocal:      e.cfg.AllowLocal,
			Logger:          e.logger,
		})
		return api.NewServer(e.cfg, mgr, h, e.logger).Run(ctx)
	},
}

func init() {
	probeCmd.Flags().StringArrayVarP(&probeFlags.options, "option", "o", nil, "probe option key=value (repeatable)")
	probeCmd.Flags().StringVar(&probeFlags.format, "format", "md", "output format: md, json or html")
	probeCmd.Flags().BoolVar(&probeFlags.local, "local", false, "run on this host instead of the device")
	probeCmd.Flags().BoolVar(&probeFlags.save, "save", false, "store the report in the database")

	runCmd.Flags().DurationVarP(&runTimeout, "timeout", "t", 30*time.Second, "how long to wait for the script")
	consoleCmd.Flags().DurationVarP(&runTimeout, "timeout", "t", 30*time.Second, "timeout for /run")
	sendCmd.Flags().DurationVarP(&sendWait, "wait", "w", 2*time.Second, "how long to collect output")
	monitorCmd.Flags().DurationVarP(&monitorDuration, "duration", "d", 0, "stop after this long (0 runs until interrupted)")

	historyCmd.Flags().StringVar(&historyFlags.probe, "probe", "", "only reports from this probe")
	historyCmd.Flags().IntVarP(&historyFlags.limit, "limit", "n", 20, "number of entries")
	historyCmd.Flags().BoolVar(&historyFlags.watch, "watch", false, "show watch results instead of reports")
}
