// Command wsserver runs and controls a WebSocket application server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"cdr.dev/slog"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"nhooyr.io/wsserver"
	"nhooyr.io/wsserver/internal/admin"
	"nhooyr.io/wsserver/internal/examples/chat"
	"nhooyr.io/wsserver/internal/supervisor"
	"nhooyr.io/wsserver/transport"
)

const usage = `Usage: wsserver [flags] <command>

Commands:
  start     start the server
  stop      stop the running server
  restart   stop the running server, then start
  reload    reload the running server's workers
  status    show whether the server is running
  info      show the effective configuration
  help      show this help

Flags:
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type flags struct {
	fs *pflag.FlagSet

	daemon    bool
	driver    string
	config    string
	workers   int
	pidFile   string
	addr      string
	logLevel  string
	logFile   string
	adminAddr string
	task      bool
	help      bool
}

func newFlags(stderr io.Writer) *flags {
	f := &flags{
		fs: pflag.NewFlagSet("wsserver", pflag.ContinueOnError),
	}
	f.fs.SetOutput(stderr)
	f.fs.Usage = func() {}

	f.fs.BoolVarP(&f.daemon, "daemon", "d", false, "run in the background")
	f.fs.StringVar(&f.driver, "driver", "", "transport driver: "+strings.Join(transport.Drivers(), ", "))
	f.fs.StringVarP(&f.config, "config", "c", "", "YAML config file")
	f.fs.IntVarP(&f.workers, "workers", "n", 0, "number of event workers")
	f.fs.StringVarP(&f.pidFile, "pid-file", "p", "", "pid file")
	f.fs.StringVarP(&f.addr, "addr", "s", "", "listen address HOST:PORT")
	f.fs.StringVarP(&f.logLevel, "log-level", "v", "", "debug, info, warn, error or critical")
	f.fs.StringVarP(&f.logFile, "log-file", "l", "", "append logs to this file")
	f.fs.StringVar(&f.adminAddr, "admin-addr", "", "serve the status endpoint on HOST:PORT")
	f.fs.BoolVar(&f.task, "task", false, "with reload, restart only the event workers")
	f.fs.BoolVarP(&f.help, "help", "h", false, "show this help")
	return f
}

func (f *flags) printUsage(w io.Writer) {
	fmt.Fprint(w, usage)
	fmt.Fprint(w, f.fs.FlagUsages())
}

// config layers the config file and then the flags that were set over
// the defaults.
func (f *flags) load() (wsserver.Config, error) {
	cfg := wsserver.DefaultConfig()
	if f.config != "" {
		var err error
		cfg, err = wsserver.LoadConfigFile(f.config, cfg)
		if err != nil {
			return cfg, err
		}
	}

	if f.fs.Changed("daemon") {
		cfg.Daemon = f.daemon
	}
	if f.fs.Changed("driver") {
		cfg.Driver = f.driver
	}
	if f.fs.Changed("workers") {
		cfg.WorkerNum = f.workers
	}
	if f.fs.Changed("pid-file") {
		cfg.PIDFile = f.pidFile
	}
	if f.fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if f.fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.fs.Changed("log-file") {
		cfg.LogFile = f.logFile
	}
	if f.fs.Changed("admin-addr") {
		cfg.AdminAddr = f.adminAddr
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f := newFlags(stderr)
	err := f.fs.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "wsserver: %v\n\n", err)
		f.printUsage(stderr)
		return supervisor.ExitError
	}

	cmd := f.fs.Arg(0)
	if f.help || cmd == "help" {
		f.printUsage(stdout)
		return supervisor.ExitOK
	}
	if cmd == "" {
		f.printUsage(stderr)
		return supervisor.ExitError
	}

	cfg, err := f.load()
	if err != nil {
		fmt.Fprintf(stderr, "wsserver: invalid configuration: %v\n", err)
		return supervisor.ExitError
	}

	log, closer, err := wsserver.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "wsserver: %v\n", err)
		return supervisor.ExitError
	}
	defer closer.Close()

	sup := supervisor.New(supervisor.Options{
		PIDFile:      cfg.PIDFile,
		StopTimeout:  cfg.StopTimeout,
		PollInterval: cfg.StopPollInterval,
		Log:          log.Named("supervisor"),
	})

	switch cmd {
	case "start":
		err = start(ctx, cfg, log, sup, args, stdout)
	case "stop":
		err = sup.Stop(ctx)
		if err == nil {
			fmt.Fprintln(stdout, "stopped")
		}
	case "restart":
		err = sup.Restart(ctx, func() error {
			return start(ctx, cfg, log, sup, args, stdout)
		})
	case "reload":
		err = sup.Reload(f.task)
		if err == nil {
			fmt.Fprintln(stdout, "reload signal sent")
		}
	case "status":
		err = status(ctx, cfg, sup, stdout)
	case "info":
		info(cfg, stdout)
	default:
		err = xerrors.Errorf("%q: %w", cmd, supervisor.ErrUnsupported)
	}
	if err != nil {
		log.Error(ctx, "command failed", slog.F("command", cmd), slog.Error(err))
		fmt.Fprintf(stderr, "wsserver %v: %v\n", cmd, err)
	}
	log.Sync()
	return supervisor.ExitCode(err)
}

func start(ctx context.Context, cfg wsserver.Config, log slog.Logger, sup *supervisor.Supervisor, args []string, stdout io.Writer) error {
	if pid, err := sup.Status(); err == nil {
		return xerrors.Errorf("pid %v: %w", pid, supervisor.ErrAlreadyRunning)
	}

	if cfg.Daemon && !supervisor.IsDaemon() {
		pid, err := supervisor.Daemonize(startArgs(args), cfg.LogFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "started in background with pid %v\n", pid)
		return nil
	}

	mux := wsserver.NewMux(cfg, log)
	err := mux.Handle("/", &wsserver.EchoModule{DataType: cfg.DataType})
	if err != nil {
		return err
	}
	room := chat.New()
	room.Notices = true
	err = mux.Handle("/chat", room)
	if err != nil {
		return err
	}
	srv, err := wsserver.New(cfg, mux, log)
	if err != nil {
		return err
	}
	err = srv.Listen()
	if err != nil {
		return err
	}
	return sup.Start(ctx, srv)
}

// startArgs rewrites the command in args to start, for the daemon.
func startArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i, a := range out {
		if a == "restart" {
			out[i] = "start"
			break
		}
	}
	return out
}

func status(ctx context.Context, cfg wsserver.Config, sup *supervisor.Supervisor, stdout io.Writer) error {
	pid, err := sup.Status()
	if err != nil {
		fmt.Fprintln(stdout, "not running")
		return err
	}
	fmt.Fprintf(stdout, "running with pid %v\n", pid)

	if cfg.AdminAddr == "" {
		fmt.Fprintln(stdout, "detailed status not available without --admin-addr")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	st, err := admin.Fetch(ctx, cfg.AdminAddr)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "addr\t%v\n", st.Addr)
	fmt.Fprintf(tw, "driver\t%v\n", st.Driver)
	fmt.Fprintf(tw, "uptime\t%v\n", st.Uptime)
	fmt.Fprintf(tw, "workers\t%v\n", st.Workers)
	fmt.Fprintf(tw, "connections\t%v\n", st.Connections)
	fmt.Fprintf(tw, "handshaken\t%v\n", st.Handshaken)
	fmt.Fprintf(tw, "accepted\t%v\n", st.Accepted)
	fmt.Fprintf(tw, "closed\t%v\n", st.Closed)
	fmt.Fprintf(tw, "rejected\t%v\n", st.Rejected)
	fmt.Fprintf(tw, "messages\t%v\n", st.Messages)
	return tw.Flush()
}

func info(cfg wsserver.Config, stdout io.Writer) {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "name\t%v\n", cfg.Name)
	fmt.Fprintf(tw, "addr\t%v\n", cfg.Addr)
	fmt.Fprintf(tw, "driver\t%v (available: %v)\n", cfg.Driver, strings.Join(transport.Drivers(), ", "))
	fmt.Fprintf(tw, "daemon\t%v\n", cfg.Daemon)
	fmt.Fprintf(tw, "workers\t%v\n", cfg.WorkerNum)
	fmt.Fprintf(tw, "pid file\t%v\n", cfg.PIDFile)
	fmt.Fprintf(tw, "log level\t%v\n", cfg.LogLevel)
	fmt.Fprintf(tw, "log file\t%v\n", cfg.LogFile)
	fmt.Fprintf(tw, "max connect\t%v\n", cfg.MaxConnect)
	fmt.Fprintf(tw, "data type\t%v\n", cfg.DataType)
	fmt.Fprintf(tw, "admin addr\t%v\n", cfg.AdminAddr)
	tw.Flush()
}
