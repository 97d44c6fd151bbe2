package diagnostics

import (
	"fmt"
	"strings"
)

// Render formats r as the byte table followed by the interpretations.
func Render(r Report) string {
	var b strings.Builder
	b.WriteString("=== Raw Bytes (first 10) ===\n")
	b.WriteString("| Byte | Hex  | Dec | Binary   | Change      |\n")
	b.WriteString("|------|------|-----|----------|-------------|\n")
	for _, rec := range r.Bytes {
		change := "     -     "
		if rec.Changed {
			change = fmt.Sprintf("%+4d (%3d)", rec.DeltaPrev, rec.Previous)
		}
		marker := " "
		if rec.Changed {
			marker = "*"
		}
		fmt.Fprintf(&b, "|%s%4d | %s | %3d | %s | %s |\n", marker, rec.Index, rec.Hex, rec.Value, rec.Binary, change)
	}

	b.WriteString("\n=== Interpretations ===\n")
	if !r.Decodable {
		b.WriteString("packet too short for interpretation\n")
		return b.String()
	}

	b.WriteString("X-axis theories:\n")
	for i, t := range r.Theories {
		fmt.Fprintf(&b, "  %d. %-8s %3d (base: %3d, diff: %+4d)\n", i+1, t.Name+":", t.Value, t.Baseline, t.Diff)
	}

	fmt.Fprintf(&b, "\nY-axis (byte 4):\n  value: %3d (base: %3d, diff: %+4d) %s\n",
		r.Y.Value, r.Y.Baseline, r.Y.Diff, yArrow(r.YIndicator))

	fmt.Fprintf(&b, "\nButtons (byte 1):\n  stick: %s  top: %s  raw: %02x\n",
		box(r.ButtonStick), box(r.ButtonTop), r.Buttons)

	b.WriteString("\nNibbles:\n")
	for _, n := range r.Nibbles {
		fmt.Fprintf(&b, "  byte[%d]: %08b -> H:%04b L:%04b\n", n.Index, n.Value, n.High, n.Low)
	}
	return b.String()
}

func yArrow(indicator string) string {
	switch indicator {
	case "up":
		return "↑"
	case "down":
		return "↓"
	default:
		return "○"
	}
}

func box(on bool) string {
	if on {
		return "■"
	}
	return "□"
}
