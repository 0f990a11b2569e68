package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var graphBlocks = []string{" ", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// SpeedGraph draws the most recent samples as a bar graph, newest on the
// right, scaled to the largest sample shown.
func SpeedGraph(data []float64, width, height int) string {
	if width < 1 || height < 1 {
		return ""
	}

	visible := data
	if len(visible) > width {
		visible = visible[len(visible)-width:]
	}
	maxVal := 0.0
	for _, v := range visible {
		maxVal = max(maxVal, v)
	}

	gridStyle := lipgloss.NewStyle().Foreground(ColorPending)
	barStyle := lipgloss.NewStyle().Foreground(ColorSecondary)

	rows := make([][]string, height)
	for i := range rows {
		rows[i] = make([]string, width)
		for j := range rows[i] {
			if i%2 == 0 {
				rows[i][j] = gridStyle.Render("╌")
			} else {
				rows[i][j] = " "
			}
		}
	}
	if maxVal <= 0 {
		return joinRows(rows)
	}

	offset := width - len(visible)
	for x, val := range visible {
		if val < 0 {
			val = 0
		}
		subBlocks := val / maxVal * float64(height) * 8

		for y := 0; y < height; y++ {
			rowValue := subBlocks - float64(y*8)
			if rowValue <= 0 {
				continue
			}
			char := "█"
			if rowValue < 8 {
				char = graphBlocks[int(rowValue)]
			}
			rows[height-1-y][offset+x] = barStyle.Render(char)
		}
	}
	return joinRows(rows)
}

func joinRows(rows [][]string) string {
	var s strings.Builder
	for i, row := range rows {
		s.WriteString(strings.Join(row, ""))
		if i < len(rows)-1 {
			s.WriteRune('\n')
		}
	}
	return s.String()
}
