package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/term"
)

//go:embed README.md
var readmeMarkdown string

var bannerLines = []string{
	`                                 __           `,
	`    ____   ____ _ ____   _____ / /_   ____   `,
	`   / __ \ / __ '// __ \ / ___// __ \ / __ \  `,
	`  / /_/ // /_/ // /_/ // /   / /_/ // /_/ /  `,
	` / .___/ \__, // .___//_/   /_.___/ \____/   `,
	`/_/     /____//_/                            `,
}

func printBanner() {
	// Gradient from teal to purple
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			c := teal.BlendLuv(purple, float64(i)/float64(maxWidth-1))
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Fprintln(os.Stderr, box)
	fmt.Fprintln(os.Stderr)
}

func printDocs() {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}
	fmt.Print(out)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("pgprobe failed", "error", err)
		stop()
		os.Exit(1)
	}
}
