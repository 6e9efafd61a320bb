package main

import "github.com/charmbracelet/lipgloss"

// Terminal styles for the play loop.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BC34A"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#2196F3"))

	narrationStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#f2f2f2"))

	combatStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#e53935"))

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFC107"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#e53935"))

	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BC34A"))
)
