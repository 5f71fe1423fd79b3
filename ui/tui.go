package ui

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/franksops/hdfsrelay/engine"
)

// UIState aggregates runner events for the TUI. It is safe for concurrent
// use; the model reads it through Snapshot.
type UIState struct {
	mu sync.Mutex

	TotalJobs      int
	CompletedJobs  int
	FailedJobs     int
	TotalBytes     uint64
	CompletedBytes uint64
	ActiveJobs     map[int]*ActiveJob
	Workers        int
	StartedAt      time.Time
	Done           bool
}

// ActiveJob is the job a worker is currently moving.
type ActiveJob struct {
	Worker    int
	JobID     string
	Source    string
	Dest      string
	Batch     int
	Batches   int
	BatchSize uint64
}

// NewUIState creates an empty state for a run of totalJobs jobs.
func NewUIState(totalJobs, workers int) *UIState {
	return &UIState{
		TotalJobs:  totalJobs,
		Workers:    workers,
		ActiveJobs: make(map[int]*ActiveJob),
		StartedAt:  time.Now(),
	}
}

// Apply folds a runner event into the state. It matches engine.Observer.
func (s *UIState) Apply(e engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Kind {
	case engine.EventJobStarted:
		s.TotalBytes += e.Bytes
		s.ActiveJobs[e.Worker] = &ActiveJob{
			Worker:  e.Worker,
			JobID:   e.Job.ID,
			Source:  e.Job.SourcePath,
			Dest:    e.Job.DestPath,
			Batches: e.Batches,
		}
	case engine.EventBatchStarted:
		if a, ok := s.ActiveJobs[e.Worker]; ok {
			a.Batch = e.Batch
			a.BatchSize = e.Bytes
		}
	case engine.EventBatchFinished:
		s.CompletedBytes += e.Bytes
	case engine.EventJobFinished:
		delete(s.ActiveJobs, e.Worker)
		if e.Outcome != nil && e.Outcome.Status == engine.StatusSuccess {
			s.CompletedJobs++
		} else {
			s.FailedJobs++
		}
	}
}

// SetWorkers records a new worker count.
func (s *UIState) SetWorkers(n int) {
	s.mu.Lock()
	s.Workers = n
	s.mu.Unlock()
}

// Finish marks the run as complete.
func (s *UIState) Finish() {
	s.mu.Lock()
	s.Done = true
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of UIState.
type Snapshot struct {
	TotalJobs      int
	CompletedJobs  int
	FailedJobs     int
	TotalBytes     uint64
	CompletedBytes uint64
	ActiveJobs     []ActiveJob
	Workers        int
	BytesPerSec    float64
	Done           bool
}

// Snapshot copies the state under its lock.
func (s *UIState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		TotalJobs:      s.TotalJobs,
		CompletedJobs:  s.CompletedJobs,
		FailedJobs:     s.FailedJobs,
		TotalBytes:     s.TotalBytes,
		CompletedBytes: s.CompletedBytes,
		Workers:        s.Workers,
		Done:           s.Done,
	}
	if elapsed := time.Since(s.StartedAt).Seconds(); elapsed > 0 {
		snap.BytesPerSec = float64(s.CompletedBytes) / elapsed
	}
	for _, a := range s.ActiveJobs {
		snap.ActiveJobs = append(snap.ActiveJobs, *a)
	}
	sort.Slice(snap.ActiveJobs, func(i, j int) bool { return snap.ActiveJobs[i].Worker < snap.ActiveJobs[j].Worker })
	return snap
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	state    *UIState
	snap     Snapshot
	spinner  spinner.Model
	progress progress.Model
	jobBar   progress.Model
	viewport viewport.Model

	// resize changes the runner's worker count and returns the new count,
	// or 0 when the run cannot be resized.
	resize func(workers int) int

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	jobStyle     lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically to refresh the view from the state.
type TUIUpdateMsg struct{}

// NewTUIModel creates the progress view for state. resize may be nil.
func NewTUIModel(state *UIState, resize func(workers int) int) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())
	jobBar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(24))

	return TUIModel{
		state:        state,
		snap:         state.Snapshot(),
		resize:       resize,
		spinner:      s,
		progress:     prog,
		jobBar:       jobBar,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		jobStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "+", "=":
			return m, m.resizeCmd(m.snap.Workers + 1)
		case "-":
			return m, m.resizeCmd(m.snap.Workers - 1)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 5
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case TUIUpdateMsg:
		m.snap = m.state.Snapshot()
		if m.snap.Done {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) resizeCmd(workers int) tea.Cmd {
	if m.resize == nil || m.snap.Done {
		return nil
	}
	return func() tea.Msg {
		if n := m.resize(workers); n > 0 {
			m.state.SetWorkers(n)
		}
		return TUIUpdateMsg{}
	}
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	snap := m.snap
	var sb strings.Builder

	header := fmt.Sprintf("%s hdfsrelay %s", m.spinner.View(), m.titleStyle.Render("Cluster Transfer"))
	sb.WriteString(header + "\n")

	var percent float64
	if snap.TotalJobs > 0 {
		percent = float64(snap.CompletedJobs+snap.FailedJobs) / float64(snap.TotalJobs)
	}

	jobs := fmt.Sprintf("Jobs: %d/%d", snap.CompletedJobs+snap.FailedJobs, snap.TotalJobs)
	if snap.FailedJobs > 0 {
		jobs += " " + m.errorStyle.Render(fmt.Sprintf("(%d failed)", snap.FailedJobs))
	}
	opsInfo := fmt.Sprintf("%s | Workers: %d | %s / %s | %s",
		jobs, snap.Workers,
		humanize.IBytes(snap.CompletedBytes), humanize.IBytes(snap.TotalBytes),
		formatSpeed(snap.BytesPerSec))

	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	sb.WriteString("Active Jobs:\n")
	var jobContent strings.Builder

	if len(snap.ActiveJobs) == 0 {
		jobContent.WriteString(m.infoStyle.Render("No active jobs..."))
	} else {
		for _, a := range snap.ActiveJobs {
			var batchProgress float64
			if a.Batches > 0 {
				batchProgress = float64(a.Batch) / float64(a.Batches)
			}
			bar := m.jobBar.ViewAs(batchProgress)
			source := a.Source
			if len(source) > 40 {
				source = "..." + source[len(source)-37:]
			}

			// Format: [===       ] 30% | chunk 2/5 (450 GiB) | /path -> /dest
			jobContent.WriteString(fmt.Sprintf("%s | %-22s | %s -> %s\n",
				bar,
				m.jobStyle.Render(fmt.Sprintf("chunk %d/%d (%s)", a.Batch, a.Batches, humanize.IBytes(a.BatchSize))),
				source, a.Dest))
		}
	}

	m.viewport.SetContent(jobContent.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("+/-: workers | q/ctrl+c: hide progress (transfer keeps running)")
	if snap.Done {
		help = m.successStyle.Render("Transfer run complete!") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}
