package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// UI renders the human side of the CLI: status glyphs, key/value detail
// lines, tables, and mpb progress bars. In JSON mode stdout is reserved for
// machine output, so decorative printing is dropped and bars render nowhere.
type UI struct {
	progress *mpb.Progress
	out      io.Writer
	jsonMode bool
}

// NewUI builds the terminal UI. jsonMode silences decorative output;
// noColor strips ANSI codes for dumb terminals and captured logs.
func NewUI(jsonMode, noColor bool) *UI {
	if noColor {
		color.NoColor = true
	}
	barOut := io.Writer(os.Stderr)
	out := io.Writer(os.Stdout)
	if jsonMode {
		barOut = io.Discard
		out = io.Discard
	}
	return &UI{
		progress: mpb.New(mpb.WithWidth(64), mpb.WithOutput(barOut)),
		out:      out,
		jsonMode: jsonMode,
	}
}

// Close flushes progress bars. Waiting on bars only makes sense on a live
// terminal; everywhere else pending renders are abandoned.
func (u *UI) Close() {
	if IsTerminal() && !u.jsonMode {
		u.progress.Wait()
	} else {
		u.progress.Shutdown()
	}
}

// Success prints a green check line.
func (u *UI) Success(format string, args ...interface{}) {
	fmt.Fprintf(u.out, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

// Failure prints a red cross line to stderr. It stays visible in JSON mode
// because stderr is not part of the machine output contract.
func (u *UI) Failure(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("✗"), fmt.Sprintf(format, args...))
}

// Warning prints a yellow warning line to stderr.
func (u *UI) Warning(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.YellowString("⚠"), fmt.Sprintf(format, args...))
}

// Info prints a cyan info line.
func (u *UI) Info(format string, args ...interface{}) {
	fmt.Fprintf(u.out, "%s %s\n", color.CyanString("ℹ"), fmt.Sprintf(format, args...))
}

// Step prints a blue arrow line marking the start of a longer operation.
func (u *UI) Step(format string, args ...interface{}) {
	fmt.Fprintf(u.out, "%s %s\n", color.BlueString("→"), fmt.Sprintf(format, args...))
}

// Section prints an uppercase banner separating phases of a command.
func (u *UI) Section(title string) {
	banner := fmt.Sprintf("━━━ %s ━━━", strings.ToUpper(title))
	fmt.Fprintf(u.out, "\n%s\n", color.New(color.FgMagenta, color.Bold).Sprint(banner))
}

// KeyValue prints an indented detail line under a Success or Step header.
func (u *UI) KeyValue(key string, value interface{}) {
	fmt.Fprintf(u.out, "  %s %v\n", color.YellowString(key+":"), value)
}

// Newline prints a blank separator line.
func (u *UI) Newline() {
	fmt.Fprintln(u.out)
}

// Print writes raw content, such as retrieved context text, without a glyph.
func (u *UI) Print(text string) {
	fmt.Fprintln(u.out, text)
}

// ProgressBar adds a counting bar for a batch of known size.
func (u *UI) ProgressBar(name string, total int64) *mpb.Bar {
	return u.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 12}), " done"),
		),
	)
}

// Spinner adds an indeterminate progress line. Complete it with
// bar.SetTotal(-1, true) on success or bar.Abort(true) on failure.
func (u *UI) Spinner(name string) *mpb.Bar {
	return u.progress.AddBar(100,
		mpb.BarFillerOnComplete(color.GreenString("✓")),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.Spinner([]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}, decor.WC{W: 1}),
		),
		mpb.AppendDecorators(
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12}),
		),
	)
}

type tableBorders struct {
	topLeft, topJoin, topRight string
	midLeft, midJoin, midRight string
	botLeft, botJoin, botRight string
	dash, pipe                 string
}

var (
	boxBorders = tableBorders{
		"┌", "┬", "┐",
		"├", "┼", "┤",
		"└", "┴", "┘",
		"─", "│",
	}
	asciiBorders = tableBorders{
		"+", "+", "+",
		"+", "+", "+",
		"+", "+", "+",
		"-", "|",
	}
)

// Table prints rows under a bold header. Box-drawing borders fall back to
// ASCII when colors are off, which usually means a dumb terminal or a file.
func (u *UI) Table(headers []string, rows [][]string) {
	if u.jsonMode {
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len([]rune(h))
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len([]rune(cell)) > widths[i] {
				widths[i] = len([]rune(cell))
			}
		}
	}

	borders := boxBorders
	if color.NoColor {
		borders = asciiBorders
	}

	u.tableRule(borders.topLeft, borders.topJoin, borders.topRight, borders.dash, widths)
	u.tableRow(borders.pipe, headers, widths, true)
	u.tableRule(borders.midLeft, borders.midJoin, borders.midRight, borders.dash, widths)
	for _, row := range rows {
		u.tableRow(borders.pipe, row, widths, false)
	}
	u.tableRule(borders.botLeft, borders.botJoin, borders.botRight, borders.dash, widths)
}

func (u *UI) tableRule(left, join, right, dash string, widths []int) {
	segments := make([]string, len(widths))
	for i, w := range widths {
		segments[i] = strings.Repeat(dash, w+2)
	}
	fmt.Fprintf(u.out, "%s%s%s\n", left, strings.Join(segments, join), right)
}

func (u *UI) tableRow(pipe string, cells []string, widths []int, header bool) {
	padded := make([]string, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		text := " " + cell + strings.Repeat(" ", w-len([]rune(cell))+1)
		if header {
			text = color.New(color.Bold).Sprint(text)
		}
		padded[i] = text
	}
	fmt.Fprintf(u.out, "%s%s%s\n", pipe, strings.Join(padded, pipe), pipe)
}

// FormatDuration renders a duration with sub-second noise trimmed off.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}

// FormatBytes renders a byte count in binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// IsTerminal reports whether stdout is attached to a character device.
func IsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
