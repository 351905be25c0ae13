package main

import (
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

func newTabwriter(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// took is how long something ran for, or has been running.
func took(start, end time.Time) string {
	if start.IsZero() {
		return "-"
	}
	finish := time.Now()
	if !end.IsZero() {
		finish = end
	}
	return finish.Sub(start).Round(time.Second).String()
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	if rev == "" {
		return "-"
	}
	return rev
}
