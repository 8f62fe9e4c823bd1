package main

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"cloudsync/internal/events"
	"cloudsync/internal/jobs"
)

type progressReporter interface {
	Update(job *jobs.Job)
	Observe(event events.Event)
	Finish()
}

// newProgressReporter draws a bar on terminals and stays silent elsewhere.
func newProgressReporter(out io.Writer) progressReporter {
	if !isTerminal(out) {
		return nopProgress{}
	}
	return &barProgress{
		max: -1,
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription(jobs.PhaseQueued),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		),
	}
}

type nopProgress struct{}

func (nopProgress) Update(*jobs.Job)     {}
func (nopProgress) Observe(events.Event) {}
func (nopProgress) Finish()              {}

type barProgress struct {
	bar *progressbar.ProgressBar
	max int
}

func (p *barProgress) Update(job *jobs.Job) {
	if job == nil {
		return
	}
	p.set(job.Progress.Phase, job.Progress.Processed, job.Progress.Total)
}

func (p *barProgress) set(phase string, processed, total int) {
	if total > 0 && total != p.max {
		p.bar.ChangeMax(total)
		p.max = total
	}
	if phase != "" {
		p.bar.Describe(phase)
	}
	_ = p.bar.Set(processed)
}

func (p *barProgress) Observe(event events.Event) {
	p.set(event.Phase, event.Processed, event.Total)
}

func (p *barProgress) Finish() {
	_ = p.bar.Finish()
}
