package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/coordinator"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/events"
)

const maxAnswerLength = 2000

type controller interface {
	ResolveAnswer(answer string) int
	Pause(names ...string)
	Resume(names ...string)
	Stop(names ...string)
	Status() coordinator.AggregateStatus
}

// console prints questions and escalations and turns stdin lines into
// answers. Lines starting with '/' are control commands.
type console struct {
	ctl controller
	out io.Writer
}

func (c *console) watch(msgs <-chan events.Message[coordinator.Event]) {
	for m := range msgs {
		switch {
		case m.Payload.Question != nil:
			q := m.Payload.Question
			fmt.Fprintf(c.out, "\n=== %s needs input ===\n%s\n> ", q.Platform, q.Text)
		case m.Payload.Escalation != nil:
			e := m.Payload.Escalation
			fmt.Fprintf(c.out, "\n[%s] could not perform %q (step %d): %s\n", e.Platform, e.Intent, e.Step, e.Message)
		}
	}
}

func (c *console) read(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if reply := c.handle(line); reply != "" {
				fmt.Fprintln(c.out, reply)
			}
		}
	}
}

func (c *console) handle(line string) string {
	line = sanitize(line)
	if line == "" {
		return ""
	}
	if !strings.HasPrefix(line, "/") {
		if n := c.ctl.ResolveAnswer(line); n == 0 {
			return "no pending question"
		}
		return ""
	}

	var cmd string
	var names []string
	if fields := strings.Fields(strings.TrimPrefix(line, "/")); len(fields) > 0 {
		cmd, names = fields[0], fields[1:]
	}
	switch cmd {
	case "pause":
		c.ctl.Pause(names...)
	case "resume":
		c.ctl.Resume(names...)
	case "stop":
		c.ctl.Stop(names...)
	case "status":
		return formatStatus(c.ctl.Status())
	default:
		return "commands: /pause [platform...], /resume [platform...], /stop [platform...], /status"
	}
	return ""
}

func sanitize(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > maxAnswerLength {
		line = line[:maxAnswerLength]
	}
	var b strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func formatStatus(s coordinator.AggregateStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "overall: %s", s.State)
	for _, p := range s.Platforms {
		fmt.Fprintf(&b, "\n  %-10s %-8s extracted=%d analyzed=%d submitted=%d",
			p.Platform, p.State, p.JobsExtracted, p.JobsAnalyzed, p.ApplicationsSubmitted)
		if p.CurrentAction != "" {
			fmt.Fprintf(&b, " action=%q", p.CurrentAction)
		}
		if p.PendingQuestion != "" {
			fmt.Fprintf(&b, " waiting=%q", p.PendingQuestion)
		}
		if len(p.Errors) > 0 {
			fmt.Fprintf(&b, " last_error=%q", p.Errors[len(p.Errors)-1])
		}
	}
	return b.String()
}
