// Command agentrelay serves the delegation engine over HTTP or answers a
// single query from the terminal.
//
//	agentrelay serve -config agentrelay.yaml
//	agentrelay ask -agent auto "How do I reverse a linked list in Go?"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hupe1980/agentrelay"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/orchestrator"
)

const usage = `usage: agentrelay <command> [flags]

commands:
  serve   run the HTTP server
  ask     answer one query and print the streamed response
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "agentrelay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("missing command")
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:], stderr)
	case "ask":
		return ask(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.ApplyEnv(os.LookupEnv)
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func serve(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the YAML configuration")
	listen := fs.String("listen", "", "listen address (overrides server.listen)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	relay, err := agentrelay.New(ctx, cfg)
	if err != nil {
		return err
	}
	return relay.Serve(ctx)
}

func ask(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the YAML configuration")
	agentType := fs.String("agent", orchestrator.AgentTypeAuto, "agent id or type, or auto for triage")
	verbose := fs.Bool("v", false, "print triage, tool and handoff events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return core.ErrEmptyQuery
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	// Keep stdout for the answer.
	logCfg := logging.DefaultLoggerConfig()
	logCfg.Level = logging.LogLevelError
	logCfg.Format = "text"
	logCfg.Output = stderr
	logCfg.AddSource = false

	relay, err := agentrelay.New(ctx, cfg, func(o *agentrelay.Options) {
		o.Logger = logging.NewLogger(logCfg)
	})
	if err != nil {
		return err
	}

	_, events, err := relay.Invoke(ctx, orchestrator.Request{Query: query, AgentType: *agentType, Stream: true})
	if err != nil {
		return err
	}
	return printEvents(events, stdout, stderr, *verbose)
}

// printEvents writes tokens to stdout and, when verbose, progress to stderr.
func printEvents(events <-chan core.Event, stdout, stderr io.Writer, verbose bool) error {
	terminated := false
	for e := range events {
		switch p := e.Data.(type) {
		case core.TokenPayload:
			fmt.Fprint(stdout, p.Token)
		case core.TriagePayload:
			if verbose {
				fmt.Fprintf(stderr, "[triage] %s (%.2f): %s\n", p.TaskType, p.Confidence, p.Reasoning)
			}
		case core.ToolPayload:
			if verbose {
				fmt.Fprintf(stderr, "[%s] %s %s\n", e.Type, p.Agent, p.Tool)
			}
		case core.HandoffPayload:
			if verbose {
				fmt.Fprintf(stderr, "[handoff] %s -> %s: %s\n", p.From, p.To, p.Reason)
			}
		case core.CompletePayload:
			terminated = true
			fmt.Fprintln(stdout)
		case core.ErrorPayload:
			terminated = true
			return fmt.Errorf("%s (%s)", p.Message, p.Code)
		}
	}
	if !terminated {
		return context.Canceled
	}
	return nil
}
