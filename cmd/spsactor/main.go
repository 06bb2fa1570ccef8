package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/Subaru-PFS/ics-spsActor/actor"
)

func main() {
	var (
		configPath string
		dbURI      string
		baseURL    string
		lampActor  string
	)
	flag.StringVar(&configPath, "config", "", "Path to the instrument config YAML (defaults to built-in defaults)")
	flag.StringVar(&dbURI, "db-uri", "", "Operational database connection URI (overrides the config file value)")
	flag.StringVar(&baseURL, "base-url", "", "Base URL template for remote actor HTTP calls, e.g. http://spsactors.local (empty uses an in-memory fake client)")
	flag.StringVar(&lampActor, "lamp-actor", "lamps", "Actor name addressed for DoLamps exposures")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; shutting down")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	opts := actor.Options{
		ConfigPath: configPath,
		DBURI:      dbURI,
		LampActor:  lampActor,
	}
	if baseURL != "" {
		opts.BaseURL = func(actorName string) string {
			return fmt.Sprintf("%s/%s/command", baseURL, actorName)
		}
	}

	a, err := actor.New(ctx, opts)
	if err != nil {
		log.Fatalf("construct actor: %v", err)
	}
	defer a.Close()

	runREPL(ctx, a)
}

// runREPL reads one command per line from stdin and drives it through the
// actor's command surface (§6.1), printing progress lines as they arrive
// and the terminal OK/FAILED line once the command completes.
func runREPL(ctx context.Context, a *actor.Actor) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		inform := func(format string, args ...any) {
			fmt.Println(fmt.Sprintf(format, args...))
		}
		result := a.Surface.Execute(ctx, line, inform)
		fmt.Println(result)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("read stdin: %v", err)
	}
}
