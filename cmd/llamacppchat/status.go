// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// modelStatus mirrors the ModelStatus payload fields the server's
// GET /api/model/status route proxies straight from the worker.
type modelStatus struct {
	Loaded           bool   `json:"loaded"`
	ModelPath        string `json:"model_path"`
	ChatTemplateType string `json:"chat_template_type"`
	GeneralName      string `json:"general_name"`
	Message          string `json:"message"`
}

func fetchStatus(addr string) (modelStatus, error) {
	var st modelStatus
	resp, err := http.Get(addr + "/api/model/status")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("server returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, err
	}
	return st, nil
}

// runStatus prints one status snapshot (--watch=false) or drives a
// small bubbletea program that polls and re-renders every second,
// grounded on services/code_buddy/tui's Model/Update/View shape but
// scaled down to a single read-only health view.
func runStatus(cmd *cobra.Command, args []string) {
	if !statusWatch {
		st, err := fetchStatus(statusAddr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "status: ", err)
			os.Exit(1)
		}
		fmt.Println(renderStatus(st, nil, isatty.IsTerminal(os.Stdout.Fd())))
		return
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	if isatty.IsTerminal(os.Stdout.Fd()) {
		sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	}
	m := statusModel{addr: statusAddr, useColor: isatty.IsTerminal(os.Stdout.Fd()), spinner: sp, waiting: true}
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "status: ", err)
		os.Exit(1)
	}
}

type statusTickMsg struct {
	status modelStatus
	err    error
}

type statusModel struct {
	addr     string
	useColor bool
	last     modelStatus
	lastErr  error
	quitting bool

	// spinner plays while the first poll is in flight or the server is
	// unreachable, grounded on bubbles' own Model/Update/View shape
	// (matches the driving statusModel's bubbletea contract).
	spinner spinner.Model
	waiting bool
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.spinner.Tick)
}

func (m statusModel) poll() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		st, err := fetchStatus(m.addr)
		return statusTickMsg{status: st, err: err}
	})
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case statusTickMsg:
		m.last = msg.status
		m.lastErr = msg.err
		m.waiting = msg.err != nil
		return m, m.poll()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m statusModel) View() string {
	if m.quitting {
		return ""
	}
	return m.renderStatusLine() + "\n\npress q to quit\n"
}

func (m statusModel) renderStatusLine() string {
	if m.waiting {
		return m.spinner.View() + " " + renderStatus(m.last, m.lastErr, m.useColor)
	}
	return renderStatus(m.last, m.lastErr, m.useColor)
}

// renderStatus formats one status line. Color styling is skipped when
// output isn't attached to a terminal (e.g. piped into a log file),
// so non-interactive consumers of `status --watch=false` get plain text.
func renderStatus(st modelStatus, err error, useColor bool) string {
	plain := func(s string) string { return s }
	okStyle, warnStyle, errStyle := plain, plain, plain
	if useColor {
		okStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true).Render
		warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Render
		errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true).Render
	}

	if err != nil {
		return errStyle(fmt.Sprintf("server unreachable: %v", err))
	}
	if !st.Loaded {
		return warnStyle("no model loaded")
	}
	name := st.GeneralName
	if name == "" {
		name = st.ModelPath
	}
	return okStyle("● loaded") + fmt.Sprintf("  %s  (template: %s)", name, st.ChatTemplateType)
}
