package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/coordinator"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/healer"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/schedule"
)

// withApp wires the runtime, attaches the terminal console and runs fn
// until it returns or the process is interrupted.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	consoleCtx, cancelConsole := context.WithCancel(ctx)
	defer cancelConsole()
	if !noConsole {
		// a.close closes the bus, which ends watch.
		msgs, _, err := a.bus.Subscribe(coordinator.TopicQuestion, coordinator.TopicEscalation)
		if err != nil {
			return err
		}
		con := &console{ctl: a.coord, out: cmd.OutOrStdout()}
		go con.watch(msgs)
		go con.read(consoleCtx, cmd.InOrStdin())
	}
	return fn(ctx, a)
}

func report(out io.Writer, s coordinator.RunSummary) error {
	fmt.Fprintln(out, formatStatus(s.Status))
	return summaryErr(s)
}

func runAll(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return report(cmd.OutOrStdout(), a.coord.StartAll(ctx))
	})
}

func runProfile(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		s, err := a.coord.StartProfile(ctx, args[0])
		if err != nil {
			return err
		}
		return report(cmd.OutOrStdout(), s)
	})
}

func runPlatform(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		err := a.coord.StartPlatform(ctx, args[0], args[1:])
		fmt.Fprintln(cmd.OutOrStdout(), formatStatus(a.coord.Status()))
		if errors.Is(err, coordinator.ErrStopped) {
			return nil
		}
		return err
	})
}

func runApply(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return report(cmd.OutOrStdout(), a.coord.ApplyToApproved(ctx))
	})
}

// registerTasks exposes coordinator operations as schedulable task kinds.
func registerTasks(reg *schedule.Registry, c *coordinator.Coordinator) {
	reg.Register("start_all", schedule.TaskFunc(func(ctx context.Context, _ string) error {
		return summaryErr(c.StartAll(ctx))
	}))
	reg.Register("apply_approved", schedule.TaskFunc(func(ctx context.Context, _ string) error {
		return summaryErr(c.ApplyToApproved(ctx))
	}))
	reg.Register("start_profile", schedule.TaskFunc(func(ctx context.Context, id string) error {
		s, err := c.StartProfile(ctx, id)
		if err != nil {
			return err
		}
		return summaryErr(s)
	}))
	reg.Register("start_platform", schedule.TaskFunc(func(ctx context.Context, name string) error {
		return c.StartPlatform(ctx, name, nil)
	}))
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if len(a.cfg.Schedule.Entries) == 0 {
			return errors.New("no schedule.entries configured")
		}
		reg := schedule.NewRegistry()
		registerTasks(reg, a.coord)

		s := schedule.New(reg, a.cfg.Schedule.Timeout, a.logger)
		for _, e := range a.cfg.Schedule.Entries {
			if err := s.Add(e); err != nil {
				return err
			}
		}
		for _, e := range s.Entries() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-16s next %s\n", e.Task, e.Spec, e.Next.Format("2006-01-02 15:04"))
		}
		s.Start(ctx)
		<-ctx.Done()
		a.coord.Stop()
		s.Stop()
		return nil
	})
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the repaired-selector cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "show PLATFORM",
		Short: "List cached selector repairs for a platform",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheShow,
	})
	return cacheCmd
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	h := healer.New(args[0], nil, healer.NewFileStore(cfg.Healer.CacheDir), healerConfig(cfg), healer.WithLogger(logger))
	return printCache(cmd.OutOrStdout(), h)
}

func printCache(out io.Writer, h *healer.Healer) error {
	entries := h.Entries()
	if len(entries) == 0 {
		_, err := fmt.Fprintf(out, "no cached repairs for %s\n", h.Platform())
		return err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tCONFIDENCE\tOK\tFAIL\tORIGINAL\tREPAIRED\tREPAIRED AT")
	for _, k := range keys {
		e := entries[k]
		state := "usable"
		if !h.Usable(e) {
			state = "evicted"
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%d\t%d\t%s\t%s\t%s\n",
			state, e.Confidence, e.SuccessCount, e.FailureCount,
			strings.Join(e.OriginalSelectors, ", "),
			strings.Join(e.RepairedSelectors, ", "),
			e.RepairedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
