package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sketchStudio/client"
	"sketchStudio/internal/models"
)

const defaultAPIURL = "http://localhost:8081"

func main() {
	apiURL := flag.String("api", defaultAPIURL, "API base URL")
	familyName := flag.String("family", "generate", "task family: edit, generate or reconstruct")
	input := flag.String("input", "", "task input as JSON, or @file to read it from a file")
	taskID := flag.String("task", "", "poll an existing task instead of submitting")
	interval := flag.Duration("interval", 3*time.Second, "poll interval")
	maxDuration := flag.Duration("max-duration", 10*time.Minute, "give up polling after this long")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync()

	family, ok := models.ParseFamily(*familyName)
	if !ok {
		logger.Fatal("Unknown family", zap.String("family", *familyName))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(*apiURL, 30*time.Second)

	id := *taskID
	if id == "" {
		body, err := readInput(*input)
		if err != nil {
			logger.Fatal("Invalid input", zap.Error(err))
		}
		resp, err := c.Submit(ctx, family, body)
		if err != nil {
			logger.Fatal("Submit failed", zap.Error(err))
		}
		id = resp.TaskID
		fmt.Fprintf(os.Stderr, "submitted %s task %s\n", family, id)
	}

	p := client.NewPoller(c, logger)
	p.Interval = *interval
	p.MaxDuration = *maxDuration
	p.OnProgress = func(pr client.Progress) {
		mark := ""
		if pr.Estimated {
			mark = "~"
		}
		fmt.Fprintf(os.Stderr, "%s %s%.0f%% (%s)\n", pr.Status, mark, pr.Percent, pr.Elapsed.Round(time.Second))
	}

	out, err := p.Run(ctx, family, id)
	switch {
	case err == nil:
		printResult(out.Task.Result)
	case errors.Is(err, client.ErrTaskFailed):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	case errors.Is(err, client.ErrTimedOut):
		fmt.Fprintf(os.Stderr, "%v; task %s may still finish\n", err, id)
		os.Exit(2)
	case errors.Is(err, context.Canceled):
		os.Exit(130)
	default:
		logger.Fatal("Polling failed", zap.String("task_id", id), zap.Error(err))
	}
}

func readInput(s string) (json.RawMessage, error) {
	if len(s) > 0 && s[0] == '@' {
		data, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, err
		}
		s = string(data)
	}
	if s == "" {
		return nil, errors.New("-input is required when -task is not set")
	}
	if !json.Valid([]byte(s)) {
		return nil, errors.New("-input is not valid JSON")
	}
	return json.RawMessage(s), nil
}

func printResult(res *models.Result) {
	if res == nil {
		fmt.Println("completed")
		return
	}
	switch {
	case res.ModelURL != "":
		fmt.Println(res.ModelURL)
		if res.PBRModelURL != "" {
			fmt.Println(res.PBRModelURL)
		}
	case len(res.URLs) > 0:
		for _, u := range res.URLs {
			fmt.Println(u)
		}
	default:
		fmt.Println(res.URL)
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
