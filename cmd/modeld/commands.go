package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/tinoosan/modeld/internal/data"
	"github.com/tinoosan/modeld/internal/downloader"
	"github.com/tinoosan/modeld/internal/events"
)

func newPullCmd(cfgPath *string) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "pull <model-id>",
		Short: "Download a model into the cache and verify it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			id := args[0]
			sub := a.svc.Subscribe()
			defer sub.Close()

			job, joined, err := a.svc.StartDownload(id)
			if err != nil {
				return err
			}
			if joined {
				a.log.Info("joined running download", "model_id", id, "job_id", job.ID)
			}

			var bar *mpb.Bar
			var p *mpb.Progress
			if !quiet {
				p = mpb.NewWithContext(cmd.Context(), mpb.WithOutput(cmd.ErrOrStderr()), mpb.WithWidth(48))
				bar = newPullBar(p, id)
			}

			entry, err := followJob(cmd, a.svc.Cancel, job, sub, bar)
			if p != nil {
				if err != nil {
					bar.Abort(false)
				} else {
					bar.SetTotal(-1, true)
				}
				p.Wait()
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ready: %s (%d bytes, %s)\n", id, entry.Path, entry.SizeBytes, entry.Source)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not render a progress bar")
	return cmd
}

func newPullBar(p *mpb.Progress, id string) *mpb.Bar {
	return p.New(0,
		mpb.BarStyle().Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(id+" "),
			decor.Counters(decor.SizeB1024(0), "% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
			decor.Name(" ] "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 30),
		),
	)
}

// followJob feeds job progress into bar until the job ends. Interrupting
// the command cancels the job.
func followJob(cmd *cobra.Command, cancel func(string) bool, job *downloader.Job, sub *events.Subscription, bar *mpb.Bar) (data.CacheEntry, error) {
	ctx := cmd.Context()
	last := time.Now()
	for {
		select {
		case <-job.Done():
			return job.Result()
		case <-ctx.Done():
			cancel(job.ModelID)
			<-job.Done()
			return job.Result()
		case e, ok := <-sub.C():
			if !ok {
				return job.Wait(ctx)
			}
			if e.JobID != job.ID || e.Type != events.TypeProgress || e.Progress == nil || bar == nil {
				continue
			}
			if e.Progress.TotalBytes > 0 {
				bar.SetTotal(e.Progress.TotalBytes, false)
			}
			now := time.Now()
			bar.EwmaSetCurrent(e.Progress.BytesDownloaded, now.Sub(last))
			last = now
		}
	}
}

func newStatusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <model-id>",
		Short: "Print the state of a model as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a.svc.Status(args[0]))
		},
	}
}

func newRmCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <model-id>...",
		Short: "Delete cached model artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			var errs []error
			for _, id := range args {
				if err := a.svc.DeleteArtifact(cmd.Context(), id); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			}
			return errors.Join(errs...)
		},
	}
}

func newClearCmd(cfgPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached model artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear the cache without --yes")
			}
			a, err := newApp(*cfgPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.svc.ClearAllArtifacts(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", a.cfg.Cache.Root)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}

func newDuCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "du",
		Short: "Show cache disk usage per model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			total, err := a.svc.CacheBytesUsed()
			if err != nil {
				return err
			}
			entries, err := a.svc.Entries()
			if err != nil {
				return err
			}
			return printUsage(cmd.OutOrStdout(), total, entries)
		},
	}
}

func printUsage(w io.Writer, total int64, entries []data.CacheEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tFORMAT\tSOURCE\tSIZE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Format, e.Source, humanBytes(e.SizeBytes))
	}
	fmt.Fprintf(tw, "total\t\t\t%s\n", humanBytes(total))
	return tw.Flush()
}

func humanBytes(n int64) string {
	return fmt.Sprintf("% .1f", decor.SizeB1024(n))
}
