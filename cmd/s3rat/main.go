package main

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/client"
	"github.com/s3rat/s3rat/pkg/engine"
	"github.com/s3rat/s3rat/pkg/identity"
	"github.com/s3rat/s3rat/pkg/logging"
	"github.com/s3rat/s3rat/pkg/mailbox"
	"github.com/s3rat/s3rat/pkg/message"
	"github.com/s3rat/s3rat/pkg/prompt"
	"github.com/s3rat/s3rat/pkg/server"
	"github.com/s3rat/s3rat/pkg/session"
	"github.com/s3rat/s3rat/pkg/sigcontext"
	"github.com/s3rat/s3rat/pkg/store"
	"github.com/urfave/cli/v2"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func init() {
	// Dispatch logging output instead of writing all levels' messages to
	// stderr.
	logging.Set(logging.Output(ioutil.Discard))
	for _, hook := range splitHooks(os.Stdout, os.Stderr) {
		logging.Set(logging.Hook(hook))
	}
}

func main() {
	os.Exit(_main())
}

func _main() int {
	log := logging.New("main")
	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := newApp(os.Stdin, os.Stdout).RunContext(ctx, os.Args)
	if sig, ok := sigcontext.Signal(ctx); ok {
		log.WithField("signal", sig).Info("received signal")
		if err == nil || errors.Is(err, context.Canceled) {
			return 0
		}
	}
	if err != nil {
		log.WithError(err).Error("s3rat failed")
		return exitCode(err)
	}
	return 0
}

// exitCode is the process exit status for an error returned by the app.
func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return exitFailure
}

func usageError(format string, args ...interface{}) error {
	return cli.Exit(fmt.Sprintf(format, args...), exitUsage)
}

func onUsageError(_ *cli.Context, err error, _ bool) error {
	return cli.Exit(err.Error(), exitUsage)
}

func newApp(stdin *os.File, stdout io.Writer) *cli.App {
	return &cli.App{
		Name:  "s3rat",
		Usage: "run commands on a remote host through an S3 bucket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "read settings from the TOML `FILE`"},
			&cli.BoolFlag{Name: "debug", Usage: "log at debug level"},
			&cli.StringFlag{Name: "region", Usage: "AWS `REGION` of the bucket"},
			&cli.StringFlag{Name: "endpoint", Usage: "S3 endpoint `URL`, for S3 compatible stores"},
			&cli.BoolFlag{Name: "path-style", Usage: "address the bucket in the URL path"},
			&cli.StringFlag{Name: "prefix", Usage: "key `PREFIX` under which sessions are kept"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				return logging.Set(logging.Level("debug"))
			}
			return nil
		},
		Commands: []*cli.Command{
			clientCommand(stdin, stdout),
			serverCommand(stdout),
		},
		Writer:       stdout,
		OnUsageError: onUsageError,
		// Exit codes are derived by the caller.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func clientCommand(stdin *os.File, stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "client",
		Usage:     "send commands to a server session",
		ArgsUsage: "<bucket> <session> [words...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "command", Aliases: []string{"c"}, Usage: "run `TEXT` as a shell command"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "run the script at `PATH`, by its extension"},
		},
		OnUsageError: onUsageError,
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return usageError("client requires a bucket and a session ID")
			}
			bucket, id := c.Args().Get(0), c.Args().Get(1)
			req, err := clientRequest(c.String("command"), c.String("file"), c.Args().Slice()[2:])
			if err != nil {
				return err
			}
			if req.Command == "" && req.ScriptName == "" {
				req.Prompt = prompt.New(stdin, stdout)
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			log := logging.New("client")
			st, _, err := openStore(cfg, bucket, log)
			if err != nil {
				return err
			}
			addr := session.NewAddress(st, bucket, cfg.Prefix, time.Now(), logging.New("session"))
			cl, err := client.Connect(c.Context, addr, id, cfg.Client, stdout, log)
			if err != nil {
				return err
			}
			return cl.Run(c.Context, req)
		},
	}
}

// clientRequest builds the request from the --command and --file flags and
// the arguments after the session ID. Bare words form a command line.
func clientRequest(command, file string, rest []string) (client.Request, error) {
	req := client.Request{Command: command}
	trailing, err := parseTrailing(rest)
	if err != nil {
		return req, err
	}
	words := trailing.words
	if trailing.command != "" {
		if req.Command != "" {
			return req, usageError("--command given twice")
		}
		req.Command = trailing.command
	}
	if trailing.file != "" {
		if file != "" {
			return req, usageError("--file given twice")
		}
		file = trailing.file
	}
	switch {
	case req.Command != "" && file != "":
		return req, usageError("--command and --file are mutually exclusive")
	case req.Command != "" && len(words) > 0:
		return req, usageError("unexpected arguments with --command: %s", strings.Join(words, " "))
	case file != "" && len(words) > 0:
		return req, usageError("unexpected arguments with --file: %s", strings.Join(words, " "))
	case len(words) > 0:
		req.Command = strings.Join(words, " ")
	}
	if file == "" {
		return req, nil
	}
	if message.IsResult(file) {
		return req, usageError("script %s cannot be sent: .%s names are reserved for results", file, message.ResultExt)
	}
	script, err := ioutil.ReadFile(file)
	if err != nil {
		return req, errors.Wrap(err, "read script")
	}
	req.ScriptName, req.Script = file, string(script)
	return req, nil
}

// trailingArgs are the client arguments that follow the bucket and session.
type trailingArgs struct {
	command string
	file    string
	words   []string
}

// parseTrailing picks --command and --file out of the words following the
// positional arguments, where the flag parser no longer looks for them.
// Everything after "--" is taken as command words.
func parseTrailing(args []string) (trailingArgs, error) {
	var t trailingArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			t.words = append(t.words, args[i+1:]...)
			break
		}
		name, value, hasValue := strings.Cut(arg, "=")
		var dst *string
		switch name {
		case "--command", "-c":
			dst = &t.command
		case "--file", "-f":
			dst = &t.file
		default:
			t.words = append(t.words, arg)
			continue
		}
		if *dst != "" {
			return t, usageError("%s given twice", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return t, usageError("flag needs an argument: %s", name)
			}
			i++
			value = args[i]
		}
		if value == "" {
			return t, usageError("flag needs an argument: %s", name)
		}
		*dst = value
	}
	return t, nil
}

func serverCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "server",
		Usage:     "start a session and run the commands sent to it",
		ArgsUsage: "<bucket>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "startup-delay", Usage: "wait `D` before announcing readiness"},
			&cli.DurationFlag{Name: "poll-interval", Usage: "check for commands every `D`"},
			&cli.BoolFlag{Name: "no-identity", Usage: "do not publish the server identity document"},
			&cli.StringFlag{Name: "metrics-textfile", Usage: "write metrics to `PATH` after every poll"},
		},
		OnUsageError: onUsageError,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return usageError("server requires exactly one bucket")
			}
			bucket := c.Args().First()

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("startup-delay") {
				cfg.Server.StartupDelay = c.Duration("startup-delay")
			}
			if c.IsSet("poll-interval") {
				cfg.Server.PollInterval = c.Duration("poll-interval")
			}
			if c.Bool("no-identity") {
				cfg.Identity = false
			}
			if c.IsSet("metrics-textfile") {
				cfg.Server.MetricsTextfile = c.String("metrics-textfile")
			}

			log := logging.New("server")
			st, awsSess, err := openStore(cfg, bucket, log)
			if err != nil {
				return err
			}
			addr := session.NewAddress(st, bucket, cfg.Prefix, time.Now(), logging.New("session"))
			sess, err := addr.Start(c.Context, "")
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Session ID:", sess.ID)

			engineLog := logging.New("engine")
			engines := server.Engines{
				message.Shell:       engine.NewShell(cfg.Shell, cfg.ExecTimeout, engineLog),
				message.Interpreted: engine.NewInterpreted(cfg.Interpreter, cfg.ExecTimeout, engineLog),
			}
			srv := server.New(mailbox.New(sess, logging.New("mailbox")), engines, cfg.Server, stdout, log)
			if cfg.Identity {
				doc := identity.Gather(c.Context, ec2metadata.New(awsSess), logging.New("identity"))
				doc.SessionID = sess.ID
				srv.SetIdentity(doc)
			}
			return srv.Run(c.Context)
		},
	}
}

// loadConfig reads the configuration file and applies the global flags over
// it.
func loadConfig(c *cli.Context) (Config, error) {
	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return cfg, cli.Exit(err.Error(), exitUsage)
	}
	if c.IsSet("region") {
		cfg.Store.Region = c.String("region")
	}
	if c.IsSet("endpoint") {
		cfg.Store.Endpoint = c.String("endpoint")
	}
	if c.Bool("path-style") {
		cfg.Store.PathStyle = true
	}
	if c.IsSet("prefix") {
		cfg.Prefix = c.String("prefix")
	}
	return cfg, nil
}

// openStore connects to bucket, wrapping the bucket in a read-through cache
// when one is configured.
func openStore(cfg Config, bucket string, log logging.Logger) (store.Store, *awssession.Session, error) {
	s3cfg := cfg.Store
	s3cfg.Bucket = bucket
	awsSess, err := store.NewSession(s3cfg)
	if err != nil {
		return nil, nil, err
	}
	var st store.Store = store.NewS3Store(awsSess, s3cfg, log)
	if cfg.CacheTTL > 0 {
		st = store.NewCachedStore(st, cfg.CacheTTL)
	}
	return st, awsSess, nil
}
