package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"vibranium/internal/config"
	"vibranium/internal/model"
)

// StartFileReplay follows capture files, replaying their lines from the
// start (or from the end with start_at_end) and picking up appended lines.
func StartFileReplay(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.PacketEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileReplay
	if !current.Enabled {
		if logger != nil {
			logger.Info("file replay ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file replay ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go followFile(ctx, path, current.StartAtEnd, parser, out, logger)
	}
}

func followFile(ctx context.Context, path string, startAtEnd bool, parser *Parser, out chan<- model.PacketEvent, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("replay open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		var partial string
		for {
			chunk, err := reader.ReadString('\n')
			partial += chunk
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						// truncated or rotated
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("replay read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(partial))
			deliver(ctx, parser, partial, "file_replay", "", out, logger)
			partial = ""
		}
	}
}
