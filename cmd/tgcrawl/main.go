package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/blockedby/tgcrawl/internal/config"
	"github.com/blockedby/tgcrawl/internal/crawler"
	"github.com/blockedby/tgcrawl/internal/export"
	"github.com/blockedby/tgcrawl/internal/ledger"
	"github.com/blockedby/tgcrawl/internal/logger"
	"github.com/blockedby/tgcrawl/internal/progress"
	"github.com/blockedby/tgcrawl/internal/telegram"
)

func main() {
	var (
		configPath  = flag.String("config", "config.json", "path to the configuration file")
		chatRef     = flag.String("chat", "", "chat reference (overrides group_id from config)")
		cutoffStr   = flag.String("cutoff", "", "collect messages at or before this time (RFC 3339 or YYYY-MM-DD)")
		limit       = flag.Int("limit", 0, "maximum number of messages to collect (0 = unbounded)")
		resume      = flag.Bool("resume", false, "resume from the last checkpoint for this chat")
		downloadDir = flag.String("download-dir", "downloads", "directory for downloaded media")
		dataDir     = flag.String("data-dir", "data", "directory for progress checkpoints")
		sessionFile = flag.String("session", "tgcrawl.session", "path to the telegram session file")
		exportPath  = flag.String("export", "", "write an xlsx export to this path after crawling")
		showStats   = flag.Bool("stats", false, "print collection statistics after crawling")
	)
	flag.Parse()

	// ambient settings may come from .env; missing file is fine
	_ = godotenv.Load()

	if err := logger.Init(config.Env("LOG_LEVEL", "info"), config.Env("LOG_FILE", "")); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	log := logger.Get()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to read config")
	}
	if cfg == nil {
		log.Fatal().Str("path", *configPath).
			Msg("config missing or incomplete; it must provide api_id, api_hash and group_id")
	}

	target := cfg.GroupID
	if *chatRef != "" {
		target = *chatRef
	}

	var cutoff *time.Time
	if *cutoffStr != "" {
		t, err := parseCutoff(*cutoffStr)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid -cutoff value")
		}
		cutoff = &t
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proxyAddr := ""
	if cfg.Proxy != nil {
		proxyAddr = fmt.Sprintf("%s:%d", cfg.Proxy.Addr, cfg.Proxy.Port)
	}

	client := telegram.NewGotd(telegram.GotdOptions{
		APIID:       cfg.APIID,
		APIHash:     cfg.APIHash,
		SessionFile: *sessionFile,
		ProxyAddr:   proxyAddr,
	})

	led, err := ledger.Open(*downloadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open download ledger")
	}

	fetcher := ledger.NewFetcher(led, client, func(received, total int64, bps float64) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\r  downloading %s / %s (%s/s)   ",
				byteSize(received), byteSize(total), byteSize(int64(bps)))
		}
	})

	store := progress.New(*dataDir)

	engine := crawler.New(client, store, fetcher, &terminalAuth{}, func(percent float64, status string) {
		if percent > 0 {
			fmt.Fprintf(os.Stderr, "\r[%5.1f%%] %s   ", percent, status)
		} else {
			fmt.Fprintf(os.Stderr, "\r%s   ", status)
		}
	})

	records, err := engine.Crawl(ctx, crawler.Options{
		ChatRef: target,
		Cutoff:  cutoff,
		Limit:   *limit,
		Resume:  *resume,
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Error().Err(err).Msg("crawl failed")
		if hint := crawler.Hint(err); hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}

	log.Info().Int("messages", len(records)).Msg("crawl finished")

	if *showStats {
		fmt.Println(export.FormatStats(records))
	}

	if *exportPath != "" {
		if err := export.WriteXLSX(*exportPath, records); err != nil {
			log.Error().Err(err).Msg("export failed; collected data is still checkpointed")
			os.Exit(1)
		}
		log.Info().Str("path", *exportPath).Msg("export written")
	}
}

// terminalAuth prompts for the phone number and login code on stdin.
type terminalAuth struct{}

func (terminalAuth) Phone(_ context.Context) (string, error) {
	return prompt("enter your phone number (with country code, e.g. +1234567890): ")
}

func (terminalAuth) Code(_ context.Context) (string, error) {
	return prompt("enter the login code you received: ")
}

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func parseCutoff(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func byteSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
