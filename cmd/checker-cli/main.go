package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/joho/godotenv"

	"github.com/MailerSuite/Final-sub004/internal/engine"
	"github.com/MailerSuite/Final-sub004/internal/export"
	"github.com/MailerSuite/Final-sub004/internal/models"
	"github.com/MailerSuite/Final-sub004/internal/proxy"
	"github.com/MailerSuite/Final-sub004/internal/store"
)

func main() {
	_ = godotenv.Load()

	var (
		file       = flag.String("file", "", "credential list, one email:password per line (required)")
		protocol   = flag.String("protocol", "smtp", "protocol to verify: smtp or imap")
		threads    = flag.Int("threads", 10, "concurrent checks")
		rps        = flag.Float64("rps", 50, "connection attempts per second")
		timeout    = flag.Int("timeout", 30, "per-check timeout in seconds")
		retries    = flag.Int("retries", 1, "retries for transient pre-auth failures")
		inboxTest  = flag.Bool("inbox-test", false, "probe the mailbox after a successful login")
		requireTLS = flag.Bool("require-tls", false, "fail checks when the server offers no TLS")
		proxyFile  = flag.String("proxy-file", "", "file of socks5 proxy addresses, one per line")
		maxErrors  = flag.Int("max-errors", 0, "stop after this many errors (0 disables)")
		output     = flag.String("output", "", "write results as CSV to this path")
	)
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("read %s: %v", *file, err)
	}

	var pool *proxy.Pool
	if *proxyFile != "" {
		pool, err = loadProxies(*proxyFile)
		if err != nil {
			log.Fatalf("load proxies: %v", err)
		}
		log.Printf("loaded %d proxies", pool.Size())
	}

	st := store.NewMemory()
	orch := engine.New(engine.Opts{Store: st, Proxies: pool})

	ctx := context.Background()
	job, rejected, err := orch.Create(ctx, "cli", raw, models.JobConfig{
		MaxThreads:     *threads,
		RPSLimit:       *rps,
		TimeoutSeconds: *timeout,
		MaxRetries:     *retries,
		UseProxy:       pool != nil,
		InboxTest:      *inboxTest,
		Protocol:       *protocol,
		RequireTLS:     *requireTLS,
	}, models.StopConditions{MaxErrors: *maxErrors})
	if err != nil {
		log.Fatalf("create job: %v", err)
	}
	for _, rej := range rejected {
		log.Printf("line %d rejected (%s): %s", rej.Line, rej.Reason, rej.Raw)
	}

	if err := orch.Start(ctx, job.ID); err != nil {
		log.Fatalf("start job: %v", err)
	}
	done, err := orch.Await(job.ID)
	if err != nil {
		log.Fatalf("await job: %v", err)
	}

	// First interrupt drains in-flight checks, second aborts outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Print("interrupt: draining in-flight checks, interrupt again to abort")
		_ = orch.Stop(ctx, job.ID)
		<-sigCh
		_ = orch.Cancel(ctx, job.ID)
	}()

	bar := pb.StartNew(job.Total)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			if snap, err := orch.Progress(ctx, job.ID); err == nil {
				bar.SetCurrent(int64(snap.Checked))
			}
		case <-done:
			break loop
		}
	}
	snap, err := orch.Progress(ctx, job.ID)
	if err != nil {
		log.Fatalf("progress: %v", err)
	}
	bar.SetCurrent(int64(snap.Checked))
	bar.Finish()

	final, err := orch.Job(ctx, job.ID)
	if err != nil {
		log.Fatalf("job state: %v", err)
	}
	fmt.Printf("\n%d checked: %d valid, %d invalid, %d errors (%.1f/s)\n",
		snap.Checked, snap.Valid, snap.Invalid, snap.Errors, snap.Speed)
	if final.StopReason != nil {
		fmt.Printf("stopped early: %s\n", *final.StopReason)
	}

	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("create %s: %v", *output, err)
		}
		if err := export.New(st).Write(ctx, f, job.ID, export.FormatCSV); err != nil {
			f.Close()
			log.Fatalf("export: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("close %s: %v", *output, err)
		}
		fmt.Printf("results written to %s\n", *output)
	}
}

func loadProxies(path string) (*proxy.Pool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			addrs = append(addrs, line)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no proxies in %s", path)
	}
	return proxy.NewPool(addrs, 0), nil
}
