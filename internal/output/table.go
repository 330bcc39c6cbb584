package output

import (
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/cochaviz/kforge/internal/build"
	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/host"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/setup"
)

// TableStyle defines the style for table output.
type TableStyle struct {
	Border      lipgloss.Border
	BorderColor lipgloss.Color
	HeaderStyle lipgloss.Style
	CellStyle   lipgloss.Style
}

// DefaultTableStyle returns the default table style.
func DefaultTableStyle() TableStyle {
	return TableStyle{
		Border:      lipgloss.NormalBorder(),
		BorderColor: ColorDimGray,
		HeaderStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		CellStyle:   lipgloss.NewStyle(),
	}
}

// Table is a styled table.
type Table struct {
	headers []string
	rows    [][]string
	style   TableStyle
}

// NewTable creates a new table with the given headers.
func NewTable(headers ...string) *Table {
	return &Table{
		headers: headers,
		rows:    make([][]string, 0),
		style:   DefaultTableStyle(),
	}
}

// Row adds a row to the table.
func (t *Table) Row(cells ...string) *Table {
	t.rows = append(t.rows, cells)
	return t
}

// SetStyle sets the table style.
func (t *Table) SetStyle(style TableStyle) *Table {
	t.style = style
	return t
}

func (t *Table) String() string {
	tbl := table.New().
		Border(t.style.Border).
		BorderStyle(lipgloss.NewStyle().Foreground(t.style.BorderColor)).
		Headers(t.headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return t.style.HeaderStyle
			}
			return t.style.CellStyle
		})

	for _, row := range t.rows {
		tbl.Row(row...)
	}
	return tbl.String()
}

const dateLayout = "2006-01-02 15:04"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(dateLayout)
}

// RenderVersions lists catalog releases.
func RenderVersions(releases []catalog.KernelRelease) string {
	t := NewTable("VERSION", "CHANNEL", "RELEASED", "FORMAT")
	for _, r := range releases {
		t.Row(r.Version, string(r.Channel), formatTime(r.ReleasedAt), string(r.ArchiveFormat))
	}
	return t.String()
}

// RenderHistory lists ledger entries.
func RenderHistory(entries []ledger.Entry) string {
	t := NewTable("VERSION", "KERNEL RELEASE", "PROFILE", "INSTALLED", "OUTCOME")
	for _, e := range entries {
		t.Row(e.Version, e.KernelRelease, e.Profile, formatTime(e.InstalledAt), OutcomeStyle(string(e.Outcome)).Render(string(e.Outcome)))
	}
	return t.String()
}

// RenderJobs lists build jobs.
func RenderJobs(snaps []build.Snapshot) string {
	t := NewTable("ID", "VERSION", "PROFILE", "STATE", "PERCENT", "STARTED")
	for _, s := range snaps {
		t.Row(s.ID, s.Release.Version, string(s.Profile), OutcomeStyle(string(s.State)).Render(string(s.State)), strconv.Itoa(s.Percent)+"%", formatTime(s.StartedAt))
	}
	return t.String()
}

// RenderFacts shows a probe result as a two-column table.
func RenderFacts(f host.HostFacts) string {
	gpus := strings.Join(f.GPUVendors, ", ")
	if gpus == "" {
		gpus = "-"
	}
	t := NewTable("FACT", "VALUE")
	t.Row("distribution", f.DistroName+" ("+f.DistroID+")")
	t.Row("family", string(f.DistroFamily))
	t.Row("package manager", f.PackageManager)
	t.Row("bootloader", string(f.Bootloader))
	t.Row("initramfs", string(f.InitramfsTool))
	t.Row("cpu vendor", f.CPUVendor)
	t.Row("gpu vendors", gpus)
	t.Row("nvme", strconv.FormatBool(f.HasNVMe))
	t.Row("hypervisor", string(f.Hypervisor))
	t.Row("running kernel", f.KernelRelease)
	t.Row("machine", f.Machine)
	t.Row("online", strconv.FormatBool(f.Online))
	return t.String()
}

// RenderChecks shows a doctor report.
func RenderChecks(report setup.Report) string {
	t := NewTable("CHECK", "STATUS", "DETAIL")
	for _, c := range report {
		t.Row(c.Name, OutcomeStyle(string(c.Severity)).Render(string(c.Severity)), c.Detail)
	}
	return t.String()
}
