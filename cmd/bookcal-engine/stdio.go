package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bookcal/bookcal/internal/dispatcher"
)

const maxTaskLine = 8 << 20

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Answer newline-delimited JSON tasks on stdin, one reply line per task on stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries replies, so logs go to stderr.
			logger := newLogger(cfg.Env, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, closeCache := newDispatcher(ctx, cfg, logger)
			defer closeCache()
			go d.Run(ctx)

			return serveStream(ctx, d, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

type taskDoer interface {
	Do(ctx context.Context, t dispatcher.Task) (dispatcher.Reply, error)
}

// serveStream answers tasks one line at a time until r is exhausted. Blank
// lines are skipped; every other line yields exactly one reply line.
func serveStream(ctx context.Context, tasks taskDoer, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxTaskLine)
	enc := json.NewEncoder(w)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var reply dispatcher.Reply
		var task dispatcher.Task
		if err := json.Unmarshal(line, &task); err != nil {
			reply = dispatcher.Failure("", fmt.Errorf("invalid task message: %w", err))
		} else if reply, err = tasks.Do(ctx, task); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			reply = dispatcher.Failure(task.ID, err)
		}

		if err := enc.Encode(reply); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read tasks: %w", err)
	}
	return nil
}
