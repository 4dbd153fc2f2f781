package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lyzr/sendanywhere/cmd/sendanywhere/engine"
	"github.com/lyzr/sendanywhere/common/manifest"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	mutedColor   = lipgloss.Color("#6272A4")
	dangerColor  = lipgloss.Color("#FF5555")

	codeStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Foreground(primaryColor).
			Bold(true).
			Padding(1, 4)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	valueStyle = lipgloss.NewStyle().Bold(true)

	accentStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)
)

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func printManifest(m *manifest.Manifest) {
	fmt.Fprintln(os.Stderr, lipgloss.JoinVertical(lipgloss.Left,
		row("Sending", m.Name),
		row("Files", fmt.Sprint(m.EntryCount)),
		row("Size", formatBytes(m.TotalSize)),
	))
}

// printPairCode shows the code the receiver has to type
func printPairCode(code string, expiresIn time.Duration) {
	spaced := code[:3] + " " + code[3:]
	fmt.Fprintln(os.Stderr, codeStyle.Render(spaced))
	fmt.Fprintln(os.Stderr, labelStyle.Width(0).Render(
		fmt.Sprintf("On the other device run: sendanywhere receive %s  (expires in %s)", code, expiresIn.Round(time.Minute))))
}

func printSummary(verb string, res *engine.Result) {
	rate := ""
	if secs := res.Duration.Seconds(); secs > 0 {
		rate = formatBytes(int64(float64(res.Bytes)/secs)) + "/s"
	}
	fmt.Fprintln(os.Stderr, lipgloss.JoinVertical(lipgloss.Left,
		accentStyle.Render("✓ "+verb),
		row("Via", res.Mode.String()),
		row("Size", formatBytes(res.Bytes)),
		row("Chunks", fmt.Sprint(res.Chunks)),
		row("Took", res.Duration.Round(time.Millisecond).String()),
		row("Rate", rate),
	))
}

// sendVerb describes how a send ended. An unconfirmed relay send only
// means the bytes are waiting on the relay.
func sendVerb(res *engine.Result) string {
	switch {
	case res.Confirmed:
		return "Sent"
	case res.Mode == engine.ModeRelay:
		return "Uploaded to relay, waiting for the receiver to fetch it"
	default:
		return "Sent, receiver did not confirm"
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// progress renders a single status line. Hooks may fire from several
// goroutines.
type progress struct {
	w io.Writer

	mu      sync.Mutex
	via     engine.Mode
	percent int
	drawn   bool
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w, percent: -1}
}

func (p *progress) mode(m engine.Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.Terminal() {
		return
	}
	p.via = m
	p.draw()
}

func (p *progress) update(done, total int) {
	pct := 100
	if total > 0 {
		pct = done * 100 / total
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pct == p.percent {
		return
	}
	p.percent = pct
	p.draw()
}

func (p *progress) draw() {
	pct := p.percent
	if pct < 0 {
		pct = 0
	}
	const width = 30
	bar := strings.Repeat("█", pct*width/100) + strings.Repeat("░", width-pct*width/100)
	fmt.Fprintf(p.w, "\r%s %3d%%  %s", bar, pct, labelStyle.Width(0).Render("via "+p.via.String()))
	p.drawn = true
}

func (p *progress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drawn {
		fmt.Fprintln(p.w)
	}
}
