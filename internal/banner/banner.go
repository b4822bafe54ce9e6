package banner

import (
	"docbench/internal/tui/styles"

	"github.com/charmbracelet/lipgloss"
)

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	ascii := `
     __           __                    __
 ___/ /__  ____  / /  ___ ___  ____ __ / /
/ _  / _ \/ __/ / _ \/ -_) _ \/ __// _ \/ _ \
\_,_/\___/\__/ /_.__/\__/_//_/\__/ /_//_/_//_/`

	return "\n" + style.Render(ascii) + "\n"
}
