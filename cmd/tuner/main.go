package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anime-shed/ocr-enhance-tuner/internal/config"
	"github.com/anime-shed/ocr-enhance-tuner/internal/container"
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr/tesseract"
	"github.com/anime-shed/ocr-enhance-tuner/internal/report"
	"github.com/anime-shed/ocr-enhance-tuner/internal/transport"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

const usage = `usage: tuner <command> -config run.yaml [flags]

commands:
  generate-spectrum  degrade every corpus page across the spectrum
  build-matrix       evaluate baseline, neutral and sampled filters
  optimize           search the filter space for the pareto front
  cluster            group documents by degradation response
  build-catalog      assemble the filter catalog
  select             pick a catalog entry (-image path | -metrics file.json)
  serve              serve the catalog over HTTP
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func openTesseract(cfg ocr.Config) (ocr.Engine, error) {
	engine, err := tesseract.New(cfg)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(stderr, usage)
		return apperrors.ExitFatal
	}
	command := args[0]

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "run.yaml", "run configuration file")
	imagePath := fs.String("image", "", "page image to select a filter for")
	metricsPath := fs.String("metrics", "", "quality metrics JSON to select a filter for")
	if err := fs.Parse(args[1:]); err != nil {
		return apperrors.ExitFatal
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fail(stderr, err, 0)
	}
	logger.SetLevel(cfg.LogLevel)

	runCfg, err := config.LoadRunConfig(*configPath)
	if err != nil {
		return fail(stderr, err, 0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.NewContainer(ctx, cfg, runCfg, openTesseract)
	if err != nil {
		return fail(stderr, err, 0)
	}
	defer c.Close()

	logger.WithFields(logrus.Fields{
		"command": command,
		"run_id":  c.Service().RunID(),
		"config":  *configPath,
	}).Info("Starting command")

	switch command {
	case "generate-spectrum":
		err = generateSpectrum(ctx, c, stdout)
	case "build-matrix":
		err = buildMatrix(ctx, c, stdout)
	case "optimize":
		err = optimize(ctx, c, stdout)
	case "cluster":
		err = clusterDocuments(ctx, c, stdout)
	case "build-catalog":
		err = buildCatalog(ctx, c, stdout)
	case "select":
		err = selectEntry(ctx, c, stdout, *imagePath, *metricsPath)
	case "serve":
		err = serve(ctx, c)
	default:
		fmt.Fprint(stderr, usage)
		err = apperrors.NewValidationError("unknown command", nil).WithDetails(command)
	}
	if err != nil {
		return fail(stderr, err, c.Warnings().Total())
	}
	return c.Warnings().ExitCode(nil)
}

func fail(stderr io.Writer, err error, warnings int) int {
	fmt.Fprintf(stderr, "error: %v\n", err)
	code := apperrors.ExitCode(err, warnings)
	if code == apperrors.ExitOK {
		code = apperrors.ExitFatal
	}
	return code
}

func generateSpectrum(ctx context.Context, c *container.Container, w io.Writer) error {
	res, err := c.Service().GenerateSpectrum(ctx)
	if err != nil {
		return err
	}
	return report.WriteSummary(w, "generate-spectrum", []report.Field{
		{Name: "levels", Value: len(res.Levels)},
		{Name: "documents", Value: len(res.Documents)},
		{Name: "skipped", Value: len(res.Skipped)},
	}, c.Warnings())
}

func buildMatrix(ctx context.Context, c *container.Container, w io.Writer) error {
	res, err := c.Service().BuildMatrix(ctx)
	if err != nil {
		return err
	}
	return report.WriteSummary(w, "build-matrix", []report.Field{
		{Name: "genomes", Value: res.Genomes},
		{Name: "cells", Value: res.Cells},
		{Name: "penalized", Value: res.Penalized},
	}, c.Warnings())
}

func optimize(ctx context.Context, c *container.Container, w io.Writer) error {
	res, err := c.Service().Optimize(ctx)
	if err != nil {
		return err
	}
	return report.WriteSummary(w, "optimize", report.FrontFields(res.Front, res.Meta), c.Warnings())
}

func clusterDocuments(ctx context.Context, c *container.Container, w io.Writer) error {
	res, err := c.Service().Cluster(ctx)
	if err != nil {
		return err
	}
	fields := []report.Field{
		{Name: "k", Value: res.K},
		{Name: "silhouette", Value: fmt.Sprintf("%.3f", res.Silhouette)},
		{Name: "degenerate", Value: res.Degenerate},
	}
	for _, cl := range res.Clusters {
		fields = append(fields, report.Field{
			Name:  fmt.Sprintf("cluster %d", cl.ID),
			Value: fmt.Sprintf("%s members=%d slope=%.2f", cl.Label, len(cl.Members), cl.Slope),
		})
	}
	return report.WriteSummary(w, "cluster", fields, c.Warnings())
}

func buildCatalog(ctx context.Context, c *container.Container, w io.Writer) error {
	cat, err := c.Service().BuildCatalog(ctx)
	if err != nil {
		return err
	}
	return report.WriteSummary(w, "build-catalog", report.CatalogFields(cat), c.Warnings())
}

func selectEntry(ctx context.Context, c *container.Container, w io.Writer, imagePath, metricsPath string) error {
	if (imagePath == "") == (metricsPath == "") {
		return apperrors.NewValidationError("select needs exactly one of -image or -metrics", nil)
	}

	var resp transport.SelectResponse
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return apperrors.NewValidationError("cannot read image", err).WithDetails(imagePath)
		}
		m, sel, err := c.Service().SelectImage(ctx, data)
		if apperrors.IsType(err, apperrors.ErrorTypeInvalidImageInput) {
			return apperrors.NewValidationError("cannot analyze image", err).WithDetails(imagePath)
		}
		if err != nil {
			return err
		}
		resp = transport.SelectResponse{Selection: sel, Metrics: m}
	} else {
		data, err := os.ReadFile(metricsPath)
		if err != nil {
			return apperrors.NewValidationError("cannot read metrics file", err).WithDetails(metricsPath)
		}
		var m models.QualityMetrics
		if err := json.Unmarshal(data, &m); err != nil {
			return apperrors.NewValidationError("metrics file is not valid JSON", err).WithDetails(metricsPath)
		}
		if issues := validation.ValidateQualityMetrics(m); validation.HasCriticalIssues(issues) {
			return apperrors.NewValidationError("quality metrics out of range", nil).
				WithDetails(strings.Join(validation.ConvertIssuesToMessages(issues, validation.SeverityError), "; "))
		}
		sel, err := c.Service().Select(ctx, m)
		if err != nil {
			return err
		}
		resp = transport.SelectResponse{Selection: sel, Metrics: m}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func serve(ctx context.Context, c *container.Container) error {
	handler, err := c.Handler(ctx)
	if err != nil {
		return err
	}
	cfg := c.Config()

	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      handler,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.ServerAddress(),
			"timeout": cfg.RequestTimeout,
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return apperrors.NewInternalError("failed to start server", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return apperrors.NewInternalError("server forced to shutdown", err)
	}

	logger.Info("Server exited")
	return nil
}
