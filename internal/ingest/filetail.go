package ingest

import (
	"context"
	"log/slog"

	"banwatch/internal/config"
	"banwatch/internal/model"
	"banwatch/internal/tail"
)

func StartFileTail(ctx context.Context, cfg *config.Manager, p *Pipeline, logger *slog.Logger) {
	current := cfg.Get().Tail
	for _, f := range current.Files {
		f := f
		if logger != nil {
			logger.Info("file tail enabled", "path", f.Path, "source", f.Source)
		}
		go tailLoop(ctx, f, current, p, logger)
	}
}

func tailLoop(ctx context.Context, f config.TailedFile, cfg config.TailConfig, p *Pipeline, logger *slog.Logger) {
	source := model.SourceKind(f.Source)
	var reader *tail.Reader
	defer func() {
		if reader != nil {
			_ = reader.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if reader == nil {
			r, err := tail.Open(f.Path, tail.Options{
				MaxBacklogBytes: cfg.MaxBacklogBytes,
				MaxLineBytes:    cfg.MaxLineBytes,
			})
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", f.Path, "err", err)
				}
				if !BackoffSleep(ctx, cfg.PollInterval) {
					return
				}
				continue
			}
			reader = r
		}
		lines, err := reader.Poll(ctx, cfg.MaxLines)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("tail poll failed", "path", f.Path, "err", err)
			}
			_ = reader.Close()
			reader = nil
			if !BackoffSleep(ctx, cfg.PollInterval) {
				return
			}
			continue
		}
		for _, line := range lines {
			p.HandleLine(ctx, line.Text, source)
		}
		if len(lines) < cfg.MaxLines {
			if !BackoffSleep(ctx, cfg.PollInterval) {
				return
			}
		}
	}
}
