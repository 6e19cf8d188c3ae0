// Program parley is a command-line harness for exercising a parley actor
// interactively: spawn one with a canned handler table, optionally put it
// to sleep, and call it, without writing a Go test.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"parley"
)

// demoFlags are the flags accepted by the demo subcommand, bound with
// flax rather than by hand against a flag.FlagSet.
type demoFlags struct {
	Method  string        `flag:"method,default=echo,Method tag to call"`
	Arg     string        `flag:"arg,default=hello,Argument payload"`
	Timeout time.Duration `flag:"timeout,default=2s,Call timeout"`
	Sleep   time.Duration `flag:"sleep,Sleep window to impose before calling"`
	Drop    bool          `flag:"drop,Drop requests during the sleep window instead of deferring them"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for exercising a parley actor from the command line.",
		Commands: []*command.C{
			demoCommand(),
			metricsCommand(),
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func demoCommand() *command.C {
	var opts demoFlags
	return &command.C{
		Name:  "demo",
		Usage: "[flags]",
		Help:  "Spawn an echo actor, optionally impose a sleep window, then issue one call.",
		SetFlags: func(env *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &opts)
		},
		Run: func(env *command.Env) error {
			return runDemo(opts)
		},
	}
}

func runDemo(opts demoFlags) error {
	handlers := map[parley.MethodTag]parley.Handler{
		"echo": func(_ context.Context, req *parley.WireRequest) ([]byte, error) {
			return req.Args, nil
		},
	}
	actor, err := parley.Spawn(handlers, parley.DefaultLogger())
	if err != nil {
		return fmt.Errorf("spawning actor: %w", err)
	}
	defer func() {
		parley.Shutdown(actor.Endpoint)
		actor.Wait()
	}()

	if opts.Sleep > 0 {
		if err := parley.Sleep(actor.Endpoint, opts.Sleep, opts.Drop); err != nil {
			return fmt.Errorf("imposing sleep window: %w", err)
		}
	}

	client := parley.NewClientStub()
	defer client.Close()

	start := time.Now()
	data, err := client.Call(actor.Endpoint, parley.MethodTag(opts.Method), []byte(opts.Arg), opts.Timeout)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("call failed after %v: %w", elapsed, err)
	}
	fmt.Printf("response (%v): %s\n", elapsed, data)
	return nil
}

func metricsCommand() *command.C {
	return &command.C{
		Name: "metrics",
		Help: "Print the current harness-wide metrics as JSON.",
		Run: func(env *command.Env) error {
			fmt.Println(parley.Metrics().String())
			return nil
		},
	}
}
