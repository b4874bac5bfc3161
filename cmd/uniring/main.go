// Command uniring creates, feeds, drains and inspects rings
// shared between processes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/FerroO2000/uniring/internal"
)

const usage = `usage: uniring <command> [flags]

commands:
  create   create a ring file
  produce  write the lines of stdin or of TCP connections, UDP datagrams
           or Kafka messages to a ring
  consume  write the messages of a ring to stdout, UDP, TCP, Kafka or QuestDB
  inspect  print the state of a ring
  remove   remove a ring file

run "uniring <command> -h" for the flags of a command`

var tel = internal.NewTelemetry("cli", "uniring")

type command func(ctx context.Context, args []string) error

var commands = map[string]command{
	"create":  runCreate,
	"produce": runProduce,
	"consume": runConsume,
	"inspect": runInspect,
	"remove":  runRemove,
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", args[0], usage)
		return 2
	}

	ctx, cancelCtx := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelCtx()

	if err := cmd(ctx, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		tel.LogError("command failed", err, "command", args[0])
		return 1
	}

	return 0
}
