package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"QueryPilot/internal/pipeline"
)

func newAskCmd() *cobra.Command {
	var (
		session string
		yes     bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask questions interactively; Ctrl+C interrupts a running plan",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			rt, err := buildRuntime(ctx, globalCfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			console := pipeline.NewConsoleChannel(cmd.InOrStdin(), cmd.OutOrStdout())
			s := &askSession{
				controller: rt.controller,
				console:    console,
				out:        cmd.OutOrStdout(),
				sessionID:  session,
				verbose:    verbose,
			}
			if yes {
				s.channel = pipeline.AutoApprove{}
			} else {
				s.channel = console
			}
			stopSignals := s.watchInterrupts(cancel)
			defer stopSignals()

			if len(args) > 0 {
				s.ask(ctx, strings.Join(args, " "))
				return nil
			}
			return s.repl(ctx)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Continue an existing session")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve every plan without asking")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print executed steps and the stage trace")
	return cmd
}

type askSession struct {
	controller *pipeline.Controller
	console    *pipeline.ConsoleChannel
	channel    pipeline.UserChannel
	out        io.Writer
	sessionID  string
	verbose    bool

	mu        sync.Mutex
	interrupt chan struct{}
}

// watchInterrupts 在轮次执行中把 Ctrl+C 转成中断信号，空闲时退出程序。
func (s *askSession) watchInterrupts(cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				s.mu.Lock()
				if s.interrupt != nil {
					close(s.interrupt)
					s.interrupt = nil
					s.mu.Unlock()
					fmt.Fprintln(s.out, "\n[interrupt requested]")
					continue
				}
				s.mu.Unlock()
				cancel()
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func (s *askSession) repl(ctx context.Context) error {
	fmt.Fprintln(s.out, "QueryPilot ready. Type a question, or 'exit' to quit.")
	for {
		fmt.Fprint(s.out, "? ")
		line, err := s.console.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				fmt.Fprintln(s.out)
				return nil
			}
			return err
		}
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		s.ask(ctx, line)
	}
}

func (s *askSession) ask(ctx context.Context, query string) {
	interrupt := make(chan struct{})
	s.mu.Lock()
	s.interrupt = interrupt
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.interrupt = nil
		s.mu.Unlock()
	}()

	res := s.controller.RunTurn(ctx, pipeline.Request{
		SessionID: s.sessionID,
		Query:     query,
		Channel:   s.channel,
		Interrupt: interrupt,
	})
	s.sessionID = res.SessionID
	printResult(s.out, res, s.verbose)
}

func printResult(out io.Writer, res *pipeline.Result, verbose bool) {
	if verbose {
		for _, step := range res.Steps {
			status := "ok"
			if step.Failed() {
				status = "error: " + step.Error
				if step.Error == "" {
					status = "error: " + step.Result.Error
				}
			}
			fmt.Fprintf(out, "  %s(%s) %s\n", step.Key, step.Input, status)
		}
		for _, ev := range res.Trace {
			fmt.Fprintf(out, "  %s %-10s %-10s %s\n", ev.At.Format("15:04:05.000"), ev.Stage, ev.Kind, ev.Message)
		}
	}
	fmt.Fprintf(out, "\n%s\n", res.Answer)
	if !res.Outcome.Succeeded() {
		fmt.Fprintf(out, "(%s)\n", res.Outcome)
	}
	fmt.Fprintln(out)
}
