package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/app"
	"github.com/alanyoungcy/polyledger/internal/pipeline"
)

var errNoBucket = errors.New("snapshot: s3.bucket is not configured")

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Copy stores and cursors to or from object storage",
}

var snapshotPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload the local stores and cursors",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
		return withSnapshotter(ctx, a, func(ctx context.Context, s *pipeline.Snapshotter) error {
			m, err := s.Push(ctx)
			if err != nil {
				return err
			}
			printManifest(cmd, "pushed", m)
			return nil
		})
	}),
}

var snapshotPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Replace the local stores and cursors with the stored snapshot",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
		return withSnapshotter(ctx, a, func(ctx context.Context, s *pipeline.Snapshotter) error {
			m, err := s.Pull(ctx)
			if err != nil {
				return err
			}
			printManifest(cmd, "pulled", m)
			return nil
		})
	}),
}

func withSnapshotter(ctx context.Context, a *app.App, fn func(context.Context, *pipeline.Snapshotter) error) error {
	if a.Snapshotter == nil {
		return errNoBucket
	}
	return a.Orchestrator.Exclusive(ctx, func(ctx context.Context) error {
		return fn(ctx, a.Snapshotter)
	})
}

func printManifest(cmd *cobra.Command, verb string, m pipeline.SnapshotManifest) {
	var total int64
	for _, f := range m.Files {
		printf(cmd, "%-6s %-40s %d\n", f.Kind, f.Name, f.Size)
		total += f.Size
	}
	printf(cmd, "%s %d files, %d bytes (snapshot %s)\n", verb, len(m.Files), total, m.CreatedAt.Format("2006-01-02T15:04:05Z"))
}

func init() {
	snapshotCmd.AddCommand(snapshotPushCmd)
	snapshotCmd.AddCommand(snapshotPullCmd)
}

// SnapshotCommand returns the snapshot command for registration
func SnapshotCommand() *cobra.Command {
	return snapshotCmd
}
