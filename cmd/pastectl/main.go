// Command pastectl creates and reads pastes through the JSON API.
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
	"time"

	"pastebin/internal/client"
)

const usage = `usage: pastectl [-api URL] <command> [args]

commands:
  create [-ttl SECONDS] [-max-views N] [content]   content is read from stdin when omitted
  get <id>                                         prints the content and consumes one view
  health                                           exits 0 when the server and store are up
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pastectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	api := fs.String("api", envOr("PASTEBIN_API", client.DefaultBaseURL), "API base URL")
	timeout := fs.Duration("timeout", 15*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	c := client.New(*api)

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "create":
		return runCreate(ctx, c, rest, stdin, stdout, stderr)
	case "get":
		return runGet(ctx, c, rest, stdout, stderr)
	case "health":
		if !c.Health(ctx) {
			fmt.Fprintln(stderr, "unhealthy")
			return 1
		}
		fmt.Fprintln(stdout, "ok")
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
}

func runCreate(ctx context.Context, c *client.Client, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ttl := fs.Int64("ttl", 0, "seconds until the paste expires (0 means never)")
	maxViews := fs.Int64("max-views", 0, "number of reads allowed (0 means unlimited)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var content string
	if fs.NArg() > 0 {
		content = strings.Join(fs.Args(), " ")
	} else {
		b, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "read stdin: %v\n", err)
			return 1
		}
		content = string(b)
	}

	req := client.CreateRequest{Content: content}
	if *ttl != 0 {
		req.TTLSeconds = ttl
	}
	if *maxViews != 0 {
		req.MaxViews = maxViews
	}
	created, err := c.Create(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, created.URL)
	return 0
}

func runGet(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "get takes exactly one id")
		return 2
	}
	p, err := c.Get(ctx, args[0])
	switch {
	case errors.Is(err, client.ErrUnavailable):
		fmt.Fprintln(stderr, err)
		return 3
	case err != nil:
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprint(stdout, p.Content)
	if !strings.HasSuffix(p.Content, "\n") {
		fmt.Fprintln(stdout)
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
