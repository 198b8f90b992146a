package display

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// DefaultTerminalWidth is the width of the pitch strip in cells.
const DefaultTerminalWidth = 50

// terminalStyles are derived from the colour settings.
type terminalStyles struct {
	Label  lipgloss.Style
	Target lipgloss.Style
	Marker lipgloss.Style
	Dim    lipgloss.Style
}

func newTerminalStyles(r *lipgloss.Renderer, s Settings) terminalStyles {
	target := lipgloss.Color(s.TargetColor)
	return terminalStyles{
		Label:  r.NewStyle().Bold(true).Foreground(lipgloss.Color(s.LabelColor)),
		Target: r.NewStyle().Foreground(target),
		Marker: r.NewStyle().Bold(true).Foreground(target),
		Dim:    r.NewStyle().Foreground(lipgloss.Color("#6e7681")),
	}
}

// TerminalOption configures a [Terminal].
type TerminalOption func(*Terminal)

// WithWidth sets the strip width in cells.
func WithWidth(n int) TerminalOption { return func(t *Terminal) { t.width = n } }

// WithInPlace redraws a single line with a carriage return instead of
// printing one line per point.
func WithInPlace(on bool) TerminalOption { return func(t *Terminal) { t.inPlace = on } }

// Terminal renders points as a one-line pitch strip: the display range laid
// out left to right, the target band shaded and a marker at the current
// pitch. It implements [Sink].
type Terminal struct {
	mu       sync.Mutex
	w        io.Writer
	r        *lipgloss.Renderer
	settings func() Settings
	width    int
	inPlace  bool
}

// NewTerminal writes to w. settings is consulted on every point so hot
// reloaded colours and ranges apply immediately.
func NewTerminal(w io.Writer, settings func() Settings, opts ...TerminalOption) *Terminal {
	t := &Terminal{w: w, r: lipgloss.NewRenderer(w), settings: settings, width: DefaultTerminalWidth}
	for _, o := range opts {
		o(t)
	}
	if t.width < 3 {
		t.width = DefaultTerminalWidth
	}
	return t
}

// Publish implements [Sink].
func (t *Terminal) Publish(p Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := render(t.r, p, t.settings(), t.width)
	if t.inPlace {
		fmt.Fprint(t.w, "\r\x1b[2K"+line)
		return
	}
	fmt.Fprintln(t.w, line)
}

// Render draws p without colour. It is the plain form of what a Terminal
// prints.
func Render(p Point, s Settings, width int) string {
	return render(lipgloss.NewRenderer(io.Discard), p, s, width)
}

func render(r *lipgloss.Renderer, p Point, s Settings, width int) string {
	s = s.normalized()
	st := newTerminalStyles(r, s)

	label := "waiting for audio"
	if !math.IsNaN(p.LastValidHz) {
		label = fmt.Sprintf("%d Hz", int(p.LastValidHz))
	}

	var b strings.Builder
	b.WriteString(st.Label.Render(fmt.Sprintf("%-17s", label)))
	b.WriteString(st.Dim.Render(fmt.Sprintf(" %4.0f │", s.DisplayRange.Min)))

	marker := -1
	if p.Valid() {
		marker = cell(p.FrequencyHz, s.DisplayRange, width)
	}
	for i := range width {
		lo, hi := cellBounds(i, s.DisplayRange, width)
		inTarget := hi > s.TargetRange.Min && lo <= s.TargetRange.Max
		switch {
		case i == marker:
			b.WriteString(st.Marker.Render("●"))
		case inTarget:
			b.WriteString(st.Target.Render("░"))
		default:
			b.WriteString(st.Dim.Render("·"))
		}
	}
	b.WriteString(st.Dim.Render(fmt.Sprintf("│ %-4.0f", s.DisplayRange.Max)))
	if p.Zone != ZoneNone {
		b.WriteString(" " + string(p.Zone))
	}
	return b.String()
}

// cell maps hz onto [0, width).
func cell(hz float64, r Range, width int) int {
	f := (hz - r.Min) / (r.Max - r.Min)
	return min(width-1, max(0, int(f*float64(width))))
}

func cellBounds(i int, r Range, width int) (lo, hi float64) {
	span := (r.Max - r.Min) / float64(width)
	return r.Min + float64(i)*span, r.Min + float64(i+1)*span
}
