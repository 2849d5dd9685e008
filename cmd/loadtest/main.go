// Command loadtest replays catalog phrases against GET /api/v1/search from
// concurrent workers for a fixed duration and prints latency percentiles,
// status codes and the share of cached, fuzzy and empty answers.
//
// Usage:
//
//	go run ./cmd/loadtest [-url http://localhost:8080] [-concurrency 10] [-duration 30s] [-queries phrases.txt]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

var builtinPhrases = []string{
	"red shoes",
	"running shoe",
	"leather boots",
	"blue hat",
	"wool socks",
	"rs-42",
	"rain jacket",
	"snekers",
	"summer dress",
	"kids",
	"gift card",
	"sale",
}

type options struct {
	target      string
	workers     int
	duration    time.Duration
	limit       int
	grouped     bool
	phrases     []string
	reportEvery time.Duration
}

func main() {
	var (
		opts      options
		queryFile string
	)
	flag.StringVar(&opts.target, "url", "http://localhost:8080", "base URL of the searcher")
	flag.IntVar(&opts.workers, "concurrency", 10, "concurrent workers")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "how long to run")
	flag.IntVar(&opts.limit, "limit", 10, "results requested per query")
	flag.BoolVar(&opts.grouped, "grouped", false, "request grouped results")
	flag.DurationVar(&opts.reportEvery, "progress", 5*time.Second, "interval between progress lines, 0 to disable")
	flag.StringVar(&queryFile, "queries", "", "file with one phrase per line, # starts a comment")
	flag.Parse()

	opts.target = strings.TrimRight(opts.target, "/")
	opts.phrases = builtinPhrases
	if queryFile != "" {
		phrases, err := readPhrases(queryFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "loadtest:", err)
			os.Exit(1)
		}
		opts.phrases = phrases
	}
	if opts.workers < 1 {
		fmt.Fprintln(os.Stderr, "loadtest: -concurrency must be at least 1")
		os.Exit(2)
	}

	fmt.Printf("searching %s with %d workers for %s (%d phrases)\n\n",
		opts.target, opts.workers, opts.duration, len(opts.phrases))

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()
	started := time.Now()
	samples := run(ctx, opts)
	if !summarize(samples).write(os.Stdout, time.Since(started)) {
		os.Exit(1)
	}
}

func readPhrases(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening phrases: %w", err)
	}
	defer f.Close()

	var phrases []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		phrases = append(phrases, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading phrases: %w", err)
	}
	if len(phrases) == 0 {
		return nil, fmt.Errorf("%s holds no phrases", path)
	}
	return phrases, nil
}
