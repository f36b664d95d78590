package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/guardcall/internal/app"
	"github.com/petervdpas/guardcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

type runner func(context.Context, app.Options) error

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("guardcall v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "agent":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: agent command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: guardcall agent <directory>")
			os.Exit(1)
		}
		run(args[1], "Agent", app.RunAgent)

	case "hub":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: hub command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: guardcall hub <directory>")
			os.Exit(1)
		}
		run(args[1], "Hub", app.RunHub)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(dirArg, what string, fn runner) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := fn(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("%s failed: %v", what, err)
	}
}

func showUsage() {
	fmt.Println("guardcall - guarded one-to-one calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  guardcall agent <directory>   Run a call agent for one user")
	fmt.Println("  guardcall hub <directory>     Run the shared session hub")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  agent <directory>")
	fmt.Println("        Places and answers calls for the user in identity.user_id")
	fmt.Println("        and serves the control API on agent.http_addr")
	fmt.Println()
	fmt.Println("  hub <directory>")
	fmt.Println("        Serves call sessions to agents using signal.backend \"hub\"")
	fmt.Println()
	fmt.Printf("  The directory holds %s; a default one is written if missing.\n", config.FileName)
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  guardcall hub ./hub")
	fmt.Println("  guardcall agent ./users/alice")
}
