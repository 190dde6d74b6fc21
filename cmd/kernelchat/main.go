// cmd/kernelchat/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/config"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/llm"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/logging"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/render"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/session"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/store"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport"
)

// globals holds the persistent flags
type globals struct {
	configPath string
	envFile    string
	port       string
	baud       int
	logLevel   string
	mirrorFile string
}

var flags globals

var rootCmd = &cobra.Command{
	Use:           "kernelchat",
	Short:         "Talk to embedded Linux devices over a serial console",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&flags.configPath, "config", "c", "", "config file (YAML)")
	fs.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before env overrides")
	fs.StringVarP(&flags.port, "port", "p", "", `serial port, or "local" to run on this host`)
	fs.IntVarP(&flags.baud, "baud", "b", 0, "baud rate")
	fs.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&flags.mirrorFile, "mirror-file", "", "append everything the device prints to this file")
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(portsCmd, probeCmd, runCmd, sendCmd, monitorCmd, consoleCmd,
		askCmd, watchCmd, historyCmd, serveCmd)
}

// exitStatus carries a remote script's non-zero exit code out of a command
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var status exitStatus
		if errors.As(err, &status) {
			os.Exit(int(status))
		}
		fmt.Fprintln(os.Stderr, render.ErrorLine(err))
		os.Exit(1)
	}
}

// env is what a command needs once configuration is loaded
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	mirror io.WriteCloser
}

func loadEnv() (*env, error) {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", flags.envFile, err)
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.port != "" {
		cfg.Serial.Port = flags.port
	}
	if flags.baud > 0 {
		cfg.Serial.BaudRate = flags.baud
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.mirrorFile != "" {
		cfg.Session.MirrorFile = flags.mirrorFile
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logging.New(level)}
	if cfg.Session.MirrorFile != "" {
		f, err := os.OpenFile(cfg.Session.MirrorFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open mirror file: %w", err)
		}
		e.mirror = f
	}
	return e, nil
}

func (e *env) close() {
	if e.mirror != nil {
		e.mirror.Close()
	}
}

// manager builds a session manager; extra receives decoded output in
// addition to the mirror file
func (e *env) manager(extra io.Writer) *session.Manager {
	c := e.cfg
	dial := session.NewDialer(transport.SerialConfig{
		BaudRate:   c.Serial.BaudRate,
		DataBits:   c.Serial.DataBits,
		Parity:     c.Serial.Parity,
		StopBits:   c.Serial.StopBits,
		Charset:    c.Serial.Charset,
		Username:   c.Login.Username,
		Password:   c.Login.Password,
		WriteChunk: c.Serial.WriteChunk,
		WriteDelay: c.Serial.WriteDelay,
		Logger:     e.logger,
	}, transport.LocalConfig{Logger: e.logger})

	var mirrors []io.Writer
	if e.mirror != nil {
		mirrors = append(mirrors, e.mirror)
	}
	if extra != nil {
		mirrors = append(mirrors, extra)
	}
	opts := session.Options{
		BufferLines:       c.Session.BufferLines,
		PollInterval:      c.Session.PollInterval,
		FlushDelay:        c.Session.FlushDelay,
		SuppressEcho:      c.Session.SuppressEcho,
		LiteralMarkers:    c.Session.LiteralMarkers,
		ClearOnDisconnect: c.Session.ClearOnDisconnect,
		Logger:            e.logger,
	}
	switch len(mirrors) {
	case 0:
	case 1:
		opts.Mirror = mirrors[0]
	default:
		opts.Mirror = io.MultiWriter(mirrors...)
	}
	return session.NewManager(dial, opts)
}

var errNoPort = errors.New(`no serial port configured: use --port, KERNELCHAT_PORT or serial.port ("local" runs on this host)`)

// connect opens the configured port on a fresh manager
func (e *env) connect(ctx context.Context, extra io.Writer) (*session.Manager, error) {
	if e.cfg.Serial.Port == "" {
		return nil, errNoPort
	}
	mgr := e.manager(extra)
	if _, err := mgr.Connect(ctx, e.cfg.Serial.Port, e.cfg.Serial.BaudRate); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (e *env) llmClient() *llm.Client {
	var endpoints []llm.Endpoint
	for _, ep := range e.cfg.LLMEndpoints {
		endpoints = append(endpoints, llm.Endpoint{URL: ep.URL, Model: ep.Model, APIKey: ep.APIKey})
	}
	return llm.NewClient(endpoints, e.cfg.LLMTimeout, e.logger)
}

func (e *env) openStore() (*store.DB, error) {
	db, err := store.Open(e.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// printMarkdown renders md for stdout
func printMarkdown(md string) {
	fmt.Print(render.Terminal(md, render.ForFile(os.Stdout)))
}
