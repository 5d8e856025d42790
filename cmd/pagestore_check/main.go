// Command pagestore_check opens a page store, verifies every live page and
// prints the state of the page manager. With -reclaim it also truncates the
// free pages at the end of the file; -backup writes a copy of the file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/env"
	"github.com/sushant-115/pagestore/core/write_engine/page"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/pkg/logger"
	"github.com/sushant-115/pagestore/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to a yaml configuration file")
	dbPath     = flag.String("db", "", "Database file; overrides the path of the configuration")
	reclaim    = flag.Bool("reclaim", false, "Truncate free pages at the end of the file")
	noRecovery = flag.Bool("no_recovery", false, "Open without the journal")
	logLevel   = flag.String("log_level", "", "Overrides the configured log level")
	backupPath = flag.String("backup", "", "Copy the flushed database file to this path")
	backupRate = flag.Int64("backup_rate", 0, "Backup throughput limit in bytes per second, 0 for unlimited")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pagestore_check: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := env.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = env.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *dbPath != "" {
		cfg.Path = *dbPath
	}
	if cfg.Path == "" {
		return errors.New("no database file given, use -db or -config")
	}
	if *noRecovery {
		cfg.EnableRecovery = false
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := env.Open(cfg, log, tel)
	if err != nil {
		return err
	}
	checkErr := check(ctx, e)
	if err := e.Close(); err != nil {
		checkErr = multierr.Append(checkErr, err)
	}
	return checkErr
}

func check(ctx context.Context, e *env.Environment) error {
	hdr := e.Header()
	fmt.Printf("environment  %s\n", hdr.EnvID)
	fmt.Printf("page size    %d\n", hdr.PageSize)
	fmt.Printf("state page   %d\n", hdr.StateID)

	rep, verr := e.Verify(ctx)
	fmt.Printf("pages        %d (%d free)\n", rep.Pages, rep.FreePages)
	types := make([]page.Type, 0, len(rep.Types))
	for t := range rep.Types {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		fmt.Printf("  %-12s %d\n", t, rep.Types[t])
	}
	fmt.Printf("btree nodes  %d (%d keys)\n", rep.BtreeNodes, rep.BtreeKeys)

	if *reclaim {
		before, err := fileSize(e)
		if err != nil {
			return err
		}
		opCtx, err := e.Begin(ctx)
		if err != nil {
			return err
		}
		if err := e.PageManager().ReclaimSpace(opCtx); err != nil {
			e.Abort(opCtx)
			return err
		}
		if err := e.Commit(opCtx); err != nil {
			return err
		}
		after, err := fileSize(e)
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed    %d bytes\n", before-after)
	}

	if *backupPath != "" {
		res, err := e.Backup(ctx, *backupPath, *backupRate)
		if err != nil {
			return err
		}
		fmt.Printf("backup       %s (%d bytes, sha256 %x)\n", *backupPath, res.Bytes, res.SHA256)
	}

	var m pagemanager.Metrics
	if err := e.PageManager().FillMetrics(&m); err != nil {
		return err
	}
	fmt.Printf("file size    %d\n", m.FileSize)
	fmt.Printf("last blob    %d\n", m.LastBlobPageID)
	fmt.Printf("freelist     %d runs, %d pages\n", m.FreelistEntries, m.FreePages)
	for _, run := range e.PageManager().FreeRuns() {
		fmt.Printf("  %d +%d\n", run[0], run[1])
	}
	if verr != nil {
		return fmt.Errorf("verify: %w", verr)
	}
	fmt.Println("ok")
	return nil
}

func fileSize(e *env.Environment) (int64, error) {
	var m pagemanager.Metrics
	if err := e.PageManager().FillMetrics(&m); err != nil {
		return 0, err
	}
	return m.FileSize, nil
}
