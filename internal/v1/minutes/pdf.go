package minutes

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/ACM-VIT/conclave/internal/v1/transcribe"
)

// renderPDF lays the minutes out: header, overview, key points, action
// items, then the full timed transcript.
func renderPDF(roomID string, summary Summary, chunks []transcribe.Chunk) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, fmt.Sprintf("Meeting Minutes - %s", roomID), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(120, 120, 120)
	pdf.CellFormat(0, 6, time.Now().Format("2 January 2006, 15:04 MST"), "", 1, "L", false, 0, "")
	pdf.Ln(4)
	pdf.SetTextColor(0, 0, 0)

	section := func(title string) {
		pdf.SetFont("Helvetica", "B", 13)
		pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
	}

	section("Overview")
	pdf.MultiCell(0, 6, summary.Overview, "", "L", false)
	pdf.Ln(3)

	if len(summary.KeyPoints) > 0 {
		section("Key Points")
		for _, p := range summary.KeyPoints {
			pdf.MultiCell(0, 6, "- "+p, "", "L", false)
		}
		pdf.Ln(3)
	}

	if len(summary.ActionItems) > 0 {
		section("Action Items")
		for _, a := range summary.ActionItems {
			pdf.MultiCell(0, 6, "- "+a, "", "L", false)
		}
		pdf.Ln(3)
	}

	if len(chunks) > 0 {
		section("Transcript")
		pdf.SetFont("Helvetica", "", 9)
		for _, c := range chunks {
			line := fmt.Sprintf("[%s] ", formatMs(c.StartMs))
			if c.Speaker != "" {
				line += c.Speaker + ": "
			}
			line += c.Text
			pdf.MultiCell(0, 5, line, "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatMs(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
