package main

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
)

// StepBar tracks a batch of uniform steps, such as seeding the demo corpus.
// It renders to stderr so stdout stays clean for piped output.
type StepBar struct {
	bar *progressbar.ProgressBar
}

// NewStepBar creates a bar over a known number of steps.
func NewStepBar(description string, total int) *StepBar {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)
	return &StepBar{bar: bar}
}

// Step advances the bar by one.
func (b *StepBar) Step() {
	_ = b.bar.Add(1)
}

// Finish completes the bar regardless of progress so far.
func (b *StepBar) Finish() {
	_ = b.bar.Finish()
}

// WaitSpinner is an indeterminate spinner for work whose size is unknown up
// front, such as a single document pass through the ingestion pipeline.
type WaitSpinner struct {
	s *spinner.Spinner
}

// NewWaitSpinner creates and starts a spinner with the given message.
func NewWaitSpinner(message string) *WaitSpinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Writer = os.Stderr
	s.Suffix = " " + message
	s.Start()
	return &WaitSpinner{s: s}
}

// Update swaps the spinner message in place.
func (w *WaitSpinner) Update(message string) {
	w.s.Suffix = " " + message
}

// Stop halts the spinner and clears its line.
func (w *WaitSpinner) Stop() {
	w.s.Stop()
}
