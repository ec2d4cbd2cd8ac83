package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kmpipe/internal/cli"
	"kmpipe/internal/config"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitConfigError)
	}

	inv, err := cli.ParseInvocation(os.Args[1:], os.Getenv)
	if err != nil {
		code := cli.ExitCode(err)
		if code == cli.ExitSuccess {
			fmt.Fprintln(os.Stdout, err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}

	// Cancelling the context kills every running worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result, execErr := cli.Execute(ctx, inv, os.Stdout, os.Stderr)
	stop()
	if execErr != nil {
		fmt.Fprintln(os.Stderr, execErr)
	}
	os.Exit(result.ExitCode)
}
