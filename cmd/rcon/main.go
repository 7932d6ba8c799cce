// The rcon command is an operator tool for running one-off commands against
// a game server's remote console.
//
// Usage:
//
//	rcon -addr localhost:25575 -password hunter2 "say server restarting in 5m"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/podcraft/manage/internal/rcon"
)

var (
	addr       = flag.String("addr", "localhost:25575", "Address of the remote console")
	password   = flag.String("password", "", "Remote console password")
	timeout    = flag.Duration("timeout", 10*time.Second, "Time to allow for the command to complete")
	terminator = flag.String("terminator", "", "Override the reply text used to detect the end of a command")
	verbose    = flag.Bool("v", false, "Log the rcon exchange to stderr")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: rcon [flags] <command>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	command := strings.Join(flag.Args(), " ")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(ioutil.Discard)
	}

	client, err := rcon.Dial(ctx, *addr, logger)
	if err != nil {
		exit("error connecting to %s: %v", *addr, err)
	}
	defer client.Close()

	if *terminator != "" {
		client.Terminator = *terminator
	}
	client.Debug = *verbose

	if err := client.Login(ctx, *password); err != nil {
		var authErr *rcon.AuthError
		if errors.As(err, &authErr) {
			exit("authentication rejected: %v", err)
		}
		exit("error logging in: %v", err)
	}

	fragments, err := client.Run(ctx, command)
	if err != nil {
		exit("error running command: %v", err)
	}
	for _, fragment := range fragments {
		fmt.Println(fragment)
	}
}

func exit(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
