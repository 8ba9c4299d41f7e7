package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-digest/internal/bus"
	"github.com/loqalabs/loqa-digest/internal/config"
	"github.com/loqalabs/loqa-digest/internal/protocol"
)

// requestDigest asks a running daemon for userID's digest over the bus and
// prints one line per channel.
func requestDigest(ctx context.Context, cfg config.BusConfig, userID string, timeout time.Duration, w io.Writer, logger *slog.Logger) error {
	client, err := bus.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := protocol.DigestRequest{RequestID: uuid.NewString(), UserID: userID}
	var batch protocol.DigestBatch
	if err := client.RequestJSON(ctx, protocol.SubjectDigestRequest, req, &batch); err != nil {
		return err
	}
	if batch.Error != "" {
		return errors.New(batch.Error)
	}

	if len(batch.Records) == 0 {
		fmt.Fprintln(w, "nothing unread")
		return nil
	}
	for _, rec := range batch.Records {
		switch rec.Status {
		case "succeeded":
			fmt.Fprintf(w, "%s: %s\n", rec.ChannelName, rec.Summary)
		default:
			fmt.Fprintf(w, "%s: %s (%s)\n", rec.ChannelName, rec.Status, rec.Error)
		}
	}
	return nil
}
