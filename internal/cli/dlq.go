package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/flowsink/internal/dlq"
	"github.com/telhawk-systems/flowsink/internal/models"
	"github.com/telhawk-systems/flowsink/internal/output"
	"github.com/telhawk-systems/flowsink/internal/source"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead-letter queue management",
	Long:  "Inspect, replay and purge messages the pipeline could not deliver",
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List dead-lettered messages, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("output")

		return withQueue(cmd.Context(), func(q dlq.Queue) error {
			entries, err := q.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			return renderFailed(format, entries)
		})
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")

		return withQueue(cmd.Context(), func(q dlq.Queue) error {
			stats := q.Stats(cmd.Context())
			if handled, err := output.Render(format, stats); handled {
				return err
			}
			table := output.NewTable([]string{"KEY", "VALUE"})
			for _, k := range sortedKeys(stats) {
				table.AddRow([]string{k, fmt.Sprint(stats[k])})
			}
			table.Render()
			return nil
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-lettered message",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to purge without --yes")
		}
		return withQueue(cmd.Context(), func(q dlq.Queue) error {
			if err := q.Purge(cmd.Context()); err != nil {
				return fmt.Errorf("failed to purge dead letters: %w", err)
			}
			output.Success("Dead-letter queue purged")
			return nil
		})
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-publish dead-lettered messages to the source topic",
	Long: `Replay produces dead-lettered messages back to the configured topic with
their original key and value. Entries are removed from a file queue once the
produce succeeds; a JetStream queue must be purged separately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		producer, err := source.NewKafkaProducer(cfg.SourceConfig())
		if err != nil {
			return err
		}
		defer producer.Close()

		return withQueue(cmd.Context(), func(q dlq.Queue) error {
			n, removed, err := replay(cmd.Context(), q, producer, limit)
			if err != nil {
				return err
			}
			output.Success("Replayed %d messages to %s", n, cfg.Kafka.Topic)
			if !removed && n > 0 {
				output.Warn("Entries were kept in the queue; run 'flowsink dlq purge --yes' once replay is verified")
			}
			return nil
		})
	},
}

func init() {
	dlqListCmd.Flags().Int("limit", 50, "maximum entries to show (0 for all)")
	dlqReplayCmd.Flags().Int("limit", 0, "maximum entries to replay (0 for all)")
	dlqPurgeCmd.Flags().Bool("yes", false, "confirm the purge")

	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqPurgeCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}

func withQueue(ctx context.Context, fn func(dlq.Queue) error) error {
	q, err := dlq.Open(ctx, cfg.DLQConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter queue: %w", err)
	}
	defer q.Close()
	return fn(q)
}

type deleter interface {
	Delete(ctx context.Context, id string) error
}

// replay produces up to limit entries and removes them from queues that
// support deletion. It reports how many were produced and whether they
// were removed.
func replay(ctx context.Context, q dlq.Queue, p source.Producer, limit int) (int, bool, error) {
	entries, err := q.List(ctx, limit)
	if err != nil {
		return 0, false, fmt.Errorf("failed to list dead letters: %w", err)
	}

	var (
		msgs     []models.RawMessage
		replayed []dlq.FailedMessage
	)
	for _, e := range entries {
		if e.Message == nil {
			continue
		}
		msgs = append(msgs, *e.Message)
		replayed = append(replayed, e)
	}
	if len(msgs) == 0 {
		return 0, false, nil
	}

	if err := p.Produce(ctx, msgs); err != nil {
		return 0, false, fmt.Errorf("failed to replay dead letters: %w", err)
	}

	d, ok := q.(deleter)
	if !ok {
		return len(msgs), false, nil
	}
	for _, e := range replayed {
		if err := d.Delete(ctx, e.ID); err != nil {
			return len(msgs), false, fmt.Errorf("replayed but failed to remove %s: %w", e.ID, err)
		}
	}
	return len(msgs), true, nil
}

func renderFailed(format string, entries []dlq.FailedMessage) error {
	if entries == nil {
		entries = []dlq.FailedMessage{}
	}
	if handled, err := output.Render(format, entries); handled {
		return err
	}
	if len(entries) == 0 {
		output.Info("No dead-lettered messages")
		return nil
	}

	table := output.NewTable([]string{"ID", "Reason", "Partition", "Offset", "Attempts", "Error", "Failed At"})
	for _, e := range entries {
		partition, offset := "-", "-"
		if e.Message != nil {
			partition = strconv.Itoa(int(e.Message.Partition))
			offset = strconv.FormatInt(e.Message.Offset, 10)
		}
		table.AddRow([]string{
			e.ID,
			e.Reason,
			partition,
			offset,
			strconv.Itoa(e.Attempts),
			truncate(e.Error, 60),
			e.Timestamp.Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
	output.Info("\nShowing %d entries", len(entries))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
