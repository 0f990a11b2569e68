package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/swarm/internal/engine/queue"
	"github.com/surge-downloader/swarm/internal/engine/types"
	"github.com/surge-downloader/swarm/internal/utils"
)

// Summary renders an item's state with its chunk map, width columns wide
func Summary(it *queue.Item, width int) string {
	running, done := it.ChunksVisualisation()
	doneSize := it.DoneSize()
	segs, flags := it.TransferFlags()

	rows := []struct{ label, value string }{
		{"Target", it.Target()},
		{"Size", utils.ConvertBytesToHumanReadable(it.Size())},
		{"Done", fmt.Sprintf("%s (%s)", utils.ConvertBytesToHumanReadable(doneSize), utils.FormatPercent(doneSize, it.Size()))},
		{"Block", utils.ConvertBytesToHumanReadable(it.BlockSize())},
		{"Priority", it.CalculateAutoPriority().String()},
		{"Segments", fmt.Sprintf("%d running, %d done, max %d", segs, len(done), it.MaxSegments())},
		{"Transfer", TransferFlagsString(flags)},
		{"Parts", PartsString(it.Parts(it.BlockSize()))},
	}
	if speed := it.AverageSpeed(); speed > 0 {
		rows = append(rows, struct{ label, value string }{"Speed", utils.FormatSpeed(speed)})
	}

	var body strings.Builder
	body.WriteString(TitleStyle.Render(it.ID()))
	body.WriteRune('\n')
	for _, r := range rows {
		body.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, LabelStyle.Render(r.label), ValueStyle.Render(r.value)))
		body.WriteRune('\n')
	}
	body.WriteRune('\n')
	body.WriteString(NewChunkMap(running, done, it.Size(), width-4, 0).View())

	return PanelStyle.Render(body.String())
}

// TransferFlagsString lists the set transfer flags, "-" when none are
func TransferFlagsString(f types.TransferFlags) string {
	names := []struct {
		flag types.TransferFlags
		name string
	}{
		{types.TransferDownload, "download"},
		{types.TransferPartial, "partial"},
		{types.TransferOverlapped, "overlapped"},
		{types.TransferChunked, "chunked"},
	}
	var out []string
	for _, n := range names {
		if f&n.flag != 0 {
			out = append(out, n.name)
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

// PartsString formats block pairs as "0-4 7-9", "-" when empty
func PartsString(parts types.PartsInfo) string {
	if len(parts) < 2 {
		return "-"
	}
	out := make([]string, 0, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		out = append(out, fmt.Sprintf("%d-%d", parts[i], parts[i+1]))
	}
	return strings.Join(out, " ")
}
