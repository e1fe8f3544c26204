package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/flowsink/internal/cursor"
	"github.com/telhawk-systems/flowsink/internal/models"
	"github.com/telhawk-systems/flowsink/internal/output"
)

var cursorsCmd = &cobra.Command{
	Use:   "cursors",
	Short: "Inspect committed partition cursors",
}

var cursorsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the committed offset of every partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")

		store, err := cursor.NewStore(cmd.Context(), cfg.CursorConfig())
		if err != nil {
			return fmt.Errorf("failed to open cursor store: %w", err)
		}
		defer store.Close()

		cursors, err := store.List(cmd.Context(), cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("failed to list cursors: %w", err)
		}
		return renderCursors(format, cfg.Kafka.Topic, cursors)
	},
}

func init() {
	cursorsCmd.AddCommand(cursorsListCmd)
	rootCmd.AddCommand(cursorsCmd)
}

func renderCursors(format, topic string, cursors []models.CommitCursor) error {
	if cursors == nil {
		cursors = []models.CommitCursor{}
	}
	if handled, err := output.Render(format, cursors); handled {
		return err
	}
	if len(cursors) == 0 {
		output.Info("No committed cursors for %s", topic)
		return nil
	}

	table := output.NewTable([]string{"Topic", "Partition", "Committed", "Next", "Updated"})
	for _, c := range cursors {
		table.AddRow([]string{
			c.Topic,
			strconv.Itoa(int(c.Partition)),
			strconv.FormatInt(c.Offset, 10),
			strconv.FormatInt(c.Next(), 10),
			c.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
	return nil
}
