// Package presenter renders the telemetry model and orchestrator events
// to a terminal.
package presenter

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/model"
	"codeberg.org/mutker/gst/internal/refresh"
	"codeberg.org/mutker/gst/internal/source"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Styles
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cardStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("60")).
			Padding(0, 1)
)

const unknown = "n/a"

// Console writes one rendering per event. A stage status is repeated
// only when its message changes or after the stage recovered.
type Console struct {
	w      io.Writer
	info   *model.SystemInfo
	now    func() time.Time
	status map[string]string
}

func New(w io.Writer, info *model.SystemInfo) *Console {
	return &Console{w: w, info: info, now: time.Now, status: make(map[string]string)}
}

// Handle renders a single event.
func (c *Console) Handle(ev refresh.Event) {
	switch ev.Kind {
	case refresh.EventInitialized, refresh.EventRefreshed:
		for _, res := range ev.Results {
			if res.OK() {
				delete(c.status, res.Source)
			}
		}
		var out string
		c.info.Read(func(s *model.SystemInfo) { out = Render(s) })
		header := titleStyle.Render("gst") + "  " + subtleStyle.Render(c.now().Format("Mon Jan 2 15:04:05 MST 2006"))
		fmt.Fprintln(c.w, header+"\n"+out)
	case refresh.EventStatus:
		msg := StatusMessage(ev.Result)
		if c.status[ev.Result.Source] == msg {
			return
		}
		c.status[ev.Result.Source] = msg
		fmt.Fprintln(c.w, warnStyle.Render(msg))
	case refresh.EventInventory:
		if ev.Result.OK() {
			var out string
			c.info.Read(func(s *model.SystemInfo) { out = RenderInventory(s) })
			fmt.Fprintln(c.w, out)
			return
		}
		fmt.Fprintln(c.w, errorStyle.Render(StatusMessage(ev.Result)))
	case refresh.EventStress:
		if ev.Err != nil {
			fmt.Fprintln(c.w, errorStyle.Render("Stress run failed to start: "+ev.Err.Error()))
			return
		}
		fmt.Fprintln(c.w, RenderStress(ev.Stress))
	case refresh.EventFault:
		fmt.Fprintln(c.w, errorStyle.Render(fmt.Sprintf("Fault in %s: %v", ev.Result.Source, ev.Err)))
	}
}

// StatusMessage describes a stage that did not succeed, telling the user
// what to do when the cause is a missing tool.
func StatusMessage(res source.Result) string {
	switch {
	case res.Outcome == source.NotAvailable && errors.HasCode(res.Err, errors.ErrToolNotAvailable):
		return "dmidecode is not installed; install it to read memory bank details"
	case errors.HasCode(res.Err, errors.ErrToolFailed):
		return fmt.Sprintf("dmidecode failed: %v", res.Err)
	case res.Outcome == source.NotAvailable:
		return fmt.Sprintf("%s: source not available", res.Source)
	default:
		return fmt.Sprintf("%s: refresh failed: %v", res.Source, res.Err)
	}
}

// Render draws every fragment of the model. The caller holds the model's
// read lock.
func Render(s *model.SystemInfo) string {
	blocks := []string{
		card("Processor", renderProcessor(s)),
		card("Usage", renderUsage(s)),
	}
	if clocks := renderClocks(s.Clocks); clocks != "" {
		blocks = append(blocks, card("Clocks", clocks))
	}
	if sensors := renderSensors(s.HWMon); sensors != "" {
		blocks = append(blocks, card("Sensors", sensors))
	}
	if mobo := renderMobo(&s.Mobo); mobo != "" {
		blocks = append(blocks, card("Motherboard", mobo))
	}
	if len(s.MemoryBanks) > 0 {
		blocks = append(blocks, RenderMemoryBanks(s.MemoryBanks))
	}
	if r := s.StressResult(); r != nil {
		blocks = append(blocks, RenderStress(r))
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

// RenderInventory shows what a dmidecode read adds: the processor sockets
// and the memory banks.
func RenderInventory(s *model.SystemInfo) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		card("Processor", renderProcessor(s)),
		RenderMemoryBanks(s.MemoryBanks),
	)
}

func renderProcessor(s *model.SystemInfo) string {
	var b strings.Builder
	for _, pkg := range s.Topology.Packages() {
		procs := s.Topology.Processors(pkg)
		if len(procs) == 0 {
			continue
		}
		p := procs[0]
		fmt.Fprintf(&b, "Package %d: %s\n", pkg, str(p.Name))
		fmt.Fprintf(&b, "  %s  family %s model %s stepping %s  microcode %s\n",
			str(p.VendorID), num(p.Family), num(p.Model), num(p.Stepping), str(p.Microcode))
		fmt.Fprintf(&b, "  cores %s  threads %s  socket %s\n", num(p.Cores), num(p.Threads), str(p.Package))
		fmt.Fprintf(&b, "  cache L1d %s  L1i %s  L2 %s  L3 %s\n",
			cacheSize(p.CacheL1Data), cacheSize(p.CacheL1Inst), cacheSize(p.CacheL2), cacheSize(p.CacheL3))
	}
	if b.Len() == 0 {
		return unknown
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderUsage(s *model.SystemInfo) string {
	u := s.CPUUsage
	lines := []string{
		fmt.Sprintf("user %4.1f%%  nice %4.1f%%  system %4.1f%%  iowait %4.1f%%  irq %4.1f%%  softirq %4.1f%%",
			u.User, u.Nice, u.System, u.IOWait, u.IRQ, u.SoftIRQ),
		fmt.Sprintf("steal %4.1f%%  guest %4.1f%%  guest nice %4.1f%%", u.Steal, u.Guest, u.GuestNice),
		fmt.Sprintf("load %.2f %.2f %.2f (%.0f%% of %d CPUs)",
			s.Load.Load1, s.Load.Load5, s.Load.Load15, s.Load.Percent(s.Load.Load1), s.Load.CPUCount),
		fmt.Sprintf("memory %s available of %s (%.1f%% used)",
			humanize.IBytes(s.Memory.Available), humanize.IBytes(s.Memory.Total), s.Memory.Percent),
	}
	if len(u.Cores) > 0 {
		cores := make([]string, len(u.Cores))
		for i, v := range u.Cores {
			cores[i] = fmt.Sprintf("%d:%3.0f%%", i, v)
		}
		lines = append(lines, "cores "+strings.Join(cores, " "))
	}
	return strings.Join(lines, "\n")
}

func renderClocks(r *model.ClockRegistry) string {
	var lines []string
	for _, pkg := range r.Packages() {
		for _, item := range r.Cores(pkg) {
			lines = append(lines, fmt.Sprintf("pkg %d %s", pkg, itemLine(item)))
		}
	}
	return strings.Join(lines, "\n")
}

func renderSensors(h *model.HardwareMonitor) string {
	var lines []string
	for _, chip := range h.Chips() {
		lines = append(lines, labelStyle.Render(chip))
		gpu := source.IsGPUChip(chip)
		for _, kind := range h.Kinds(chip) {
			for _, item := range h.Items(chip, kind) {
				if gpu && kind == model.KindFan {
					lines = append(lines, "  "+dutyLine(item))
					continue
				}
				lines = append(lines, "  "+itemLine(item))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func renderMobo(m *model.MoboInfo) string {
	var lines []string
	for _, f := range model.MoboFields {
		if v := f.Get(m); v != nil {
			lines = append(lines, fmt.Sprintf("%-16s %s", f.Label, *v))
		}
	}
	return strings.Join(lines, "\n")
}

// RenderMemoryBanks lists memory devices in inventory order.
func RenderMemoryBanks(banks []model.MemoryBank) string {
	if len(banks) == 0 {
		return card("Memory", "no memory devices reported")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-10s %-8s %-12s %-4s %-16s %s\n",
		"locator", "size", "type", "speed", "rank", "manufacturer", "part number")
	for _, bank := range banks {
		fmt.Fprintf(&b, "%-12s %-10s %-8s %-12s %-4s %-16s %s\n",
			orUnknown(bank.Locator), orUnknown(bank.Size), orUnknown(bank.Type), orUnknown(bank.Speed),
			orUnknown(bank.Rank), orUnknown(bank.Manufacturer), orUnknown(bank.PartNumber))
	}
	return card("Memory", strings.TrimRight(b.String(), "\n"))
}

// RenderStress summarises one stress run.
func RenderStress(r *model.StressResult) string {
	var status string
	switch {
	case r.Terminated:
		status = warnStyle.Render("terminated")
	case r.Successful:
		status = okStyle.Render("passed")
	default:
		status = errorStyle.Render("failed (exit " + strconv.Itoa(r.ExitCode) + ")")
	}

	lines := []string{fmt.Sprintf("%s  %s  run %s", r.Profile, status, r.ID)}
	if r.HasMetrics {
		lines = append(lines, fmt.Sprintf("elapsed %s  bogo ops %s  %s bogo ops/s",
			r.Elapsed.Round(time.Millisecond), humanize.Comma(int64(r.BogoOps)), humanize.CommafWithDigits(r.BogoOpsPerSecond, 2)))
	} else {
		lines = append(lines, subtleStyle.Render("no metrics reported"))
	}
	if r.Stderr != "" && !r.Successful {
		lines = append(lines, subtleStyle.Render(r.Stderr))
	}
	return card("Stress", strings.Join(lines, "\n"))
}

// RenderHistory lists journaled runs, newest first.
func RenderHistory(runs []*model.StressResult, now time.Time) string {
	if len(runs) == 0 {
		return "no stress runs recorded"
	}
	var b strings.Builder
	for _, r := range runs {
		result := "failed"
		switch {
		case r.Terminated:
			result = "terminated"
		case r.Successful:
			result = "passed"
		}
		ops := "-"
		if r.HasMetrics {
			ops = humanize.CommafWithDigits(r.BogoOpsPerSecond, 2) + " bogo ops/s"
		}
		fmt.Fprintf(&b, "%-22s %-12s %-10s %s\n",
			r.Profile, humanize.RelTime(r.StartedAt, now, "ago", "from now"), result, ops)
	}
	return strings.TrimRight(b.String(), "\n")
}

func itemLine(item *model.MonitoredItem) string {
	return fmt.Sprintf("%-32s %12s  [%s .. %s]",
		item.Name, formatValue(item.Kind, item.Value), formatValue(item.Kind, item.Min), formatValue(item.Kind, item.Max))
}

// dutyLine renders a fan item whose readings are percent of maximum.
func dutyLine(item *model.MonitoredItem) string {
	pct := func(v *float64) string {
		if v == nil {
			return unknown
		}
		return fmt.Sprintf("%.0f %%", *v)
	}
	return fmt.Sprintf("%-32s %12s  [%s .. %s]", item.Name, pct(item.Value), pct(item.Min), pct(item.Max))
}

func formatValue(kind model.Kind, v *float64) string {
	if v == nil {
		return unknown
	}
	switch kind {
	case model.KindClock:
		return humanize.SIWithDigits(*v, 2, kind.Unit())
	case model.KindFan:
		return fmt.Sprintf("%.0f %s", *v, kind.Unit())
	case model.KindVoltage, model.KindCurrent:
		return fmt.Sprintf("%.3f %s", *v, kind.Unit())
	case model.KindIntrusion, model.KindBeep:
		return strconv.FormatFloat(*v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%.1f %s", *v, kind.Unit())
	}
}

func cacheSize(c *model.Cache) string {
	if c == nil {
		return unknown
	}
	size := humanize.IBytes(c.Size)
	if c.Count > 1 {
		return fmt.Sprintf("%d × %s", c.Count, size)
	}
	return size
}

func card(title, body string) string {
	return cardStyle.Render(labelStyle.Render(title) + "\n" + body)
}

func str(s *string) string {
	if s == nil || *s == "" {
		return unknown
	}
	return *s
}

func num(n *int) string {
	if n == nil {
		return unknown
	}
	return strconv.Itoa(*n)
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
