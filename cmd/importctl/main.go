// Command importctl imports one exam PDF in-process and prints the problem set.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/feichai0017/exam-importer/config"
	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/internal/service/importer"
	"github.com/feichai0017/exam-importer/pkg/converters"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

func main() {
	fs := pflag.NewFlagSet("importctl", pflag.ExitOnError)
	config.RegisterFlags(fs)
	file := fs.StringP("file", "f", "", "PDF to import")
	password := fs.StringP("password", "p", "", "Password for encrypted documents")
	out := fs.StringP("out", "o", "", "Write the problem set here instead of stdout")
	reviewOnly := fs.Bool("review-only", false, "Print only problems awaiting review")
	cleanup := fs.Bool("cleanup", false, "Apply the storage retention policy and exit")
	_ = fs.Parse(os.Args[1:])

	if *file == "" && !*cleanup {
		fmt.Fprintln(os.Stderr, "usage: importctl --file exam.pdf [--password secret] [--out result.json]")
		fs.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// The CLI always runs the import itself and keeps stdout for the result.
	cfg.Jobs.Dispatch = config.DispatchInline
	cfg.Log.OutputPaths = []string{"stderr"}

	log, err := logger.NewLogger(logger.WithConfig(cfg.Log), logger.WithService("importctl"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, release, err := importer.GetService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to get import service", logger.Error(err))
	}
	defer release()

	if *cleanup {
		if err := svc.CleanupBefore(ctx, time.Now()); err != nil {
			log.Fatal("Cleanup failed", logger.Error(err))
		}
		return
	}

	if err := run(ctx, svc, *file, *password, *out, *reviewOnly); err != nil {
		log.Error("Import failed", logger.String("file", *file), logger.Error(err))
		release()
		os.Exit(1)
	}
}

func run(ctx context.Context, svc *importer.ImportService, path, password, out string, reviewOnly bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := svc.Submit(ctx, importer.SubmitRequest{
		Filename: filepath.Base(path),
		Body:     f,
		Password: password,
	})
	if err != nil {
		return err
	}

	jobID := res.Job.ID
	if res.Job.Status == models.JobQueued {
		if err := svc.Run(ctx, jobID, password); err != nil {
			return err
		}
	}

	job, err := svc.Status(ctx, jobID)
	if err != nil {
		return err
	}
	for _, line := range job.Logs {
		fmt.Fprintln(os.Stderr, line)
	}
	if job.Status == models.JobError {
		msg := "unknown error"
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return fmt.Errorf("job %s failed at %s: %s", jobID, job.Stage, msg)
	}

	set, err := svc.Result(ctx, jobID)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if out != "" {
		dst, err := os.Create(out)
		if err != nil {
			return err
		}
		defer dst.Close()
		w = dst
	}

	if reviewOnly {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(set.ReviewQueue())
	}
	if err := converters.Encode(w, set); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
