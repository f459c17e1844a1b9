package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

const qrImageName = "digest-qr"

// SavePDF renders the run report into a PDF document.
func SavePDF(rep RunReport, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("STIX Parse Report", false)
	pdf.SetAuthor("stixgate", false)
	pdf.SetCreator("stixgate", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "STIX Parse Report")
	if err := addDigestQR(pdf, rep.Sha256); err != nil {
		return err
	}
	addRunSection(pdf, rep)
	addCountersSection(pdf, rep)
	addHistogramSection(pdf, rep.Histogram)
	addAlertsSection(pdf, rep.Alerts)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

// addDigestQR places the input digest QR code in the top right corner.
func addDigestQR(pdf *gofpdf.Fpdf, digest string) error {
	if strings.TrimSpace(digest) == "" {
		return nil
	}
	png, err := DigestToQR(digest, 256)
	if err != nil {
		return fmt.Errorf("qr: %w", err)
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(qrImageName, opts, bytes.NewReader(png))
	pageW, _ := pdf.GetPageSize()
	_, _, right, _ := pdf.GetMargins()
	pdf.ImageOptions(qrImageName, pageW-right-30, 12, 30, 30, false, opts, 0, "")
	return nil
}

func addLabelRows(pdf *gofpdf.Fpdf, items [][2]string) {
	pdf.SetFont("Helvetica", "", 11)
	for _, item := range items {
		pdf.CellFormat(50, 6, item[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(95, 6, emptyFallback(item[1], "-"), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addSectionTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, title)
	pdf.Ln(9)
}

func addRunSection(pdf *gofpdf.Fpdf, rep RunReport) {
	addSectionTitle(pdf, "Run")
	addLabelRows(pdf, [][2]string{
		{"Run ID", rep.RunID},
		{"Input", rep.Input},
		{"Input Type", rep.InputType},
		{"Size", strconv.FormatInt(rep.Size, 10) + " bytes"},
		{"SHA-256", shortDigest(rep.Sha256)},
		{"IDB Version", rep.IDBVersion},
		{"Started", formatTime(rep.Started)},
		{"Finished", formatTime(rep.Finished)},
		{"Status", rep.Status},
	})
}

func addCountersSection(pdf *gofpdf.Fpdf, rep RunReport) {
	s := rep.Summary
	addSectionTitle(pdf, "Packets")
	addLabelRows(pdf, [][2]string{
		{"TM packets", fmt.Sprintf("%d (%d parsed)", s.NumTM, s.NumTMParsed)},
		{"TC packets", fmt.Sprintf("%d (%d parsed)", s.NumTC, s.NumTCParsed)},
		{"Filtered", strconv.Itoa(s.NumFiltered)},
		{"Bad headers", strconv.Itoa(s.NumBadHeaders)},
		{"Bad bytes", strconv.Itoa(s.NumBadBytes)},
		{"Total length", strconv.Itoa(s.TotalLength) + " bytes"},
	})
}

func addHistogramSection(pdf *gofpdf.Fpdf, rows []SPIDCount) {
	addSectionTitle(pdf, "Telemetry by SPID")
	if len(rows) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No telemetry packets recorded.", "", "L", false)
		pdf.Ln(4)
		return
	}
	widths := []float64{40, 40}
	renderHeaderRow(pdf, widths, []string{"SPID", "Packets"})
	pdf.SetFont("Helvetica", "", 9)
	for _, row := range rows {
		renderTableRow(pdf, widths, []string{strconv.Itoa(row.SPID), strconv.Itoa(row.Count)}, 5)
	}
	pdf.Ln(4)
}

func addAlertsSection(pdf *gofpdf.Fpdf, alerts []Alert) {
	addSectionTitle(pdf, "Alerts")
	if len(alerts) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No alerts recorded.", "", "L", false)
		return
	}
	widths := []float64{22, 14, 24, 30, 40, 50}
	renderHeaderRow(pdf, widths, []string{"Offset", "Type", "Service", "SPID/Name", "UTC", "Description"})
	pdf.SetFont("Helvetica", "", 9)
	for _, a := range alerts {
		id := a.Name
		if a.TMTC == "TM" {
			id = strconv.Itoa(a.SPID)
		}
		renderTableRow(pdf, widths, []string{
			strconv.Itoa(a.Offset),
			a.TMTC,
			fmt.Sprintf("(%d,%d)", a.Service, a.Subtype),
			id,
			a.UTC,
			a.Descr,
		}, 5)
	}
}

func renderHeaderRow(pdf *gofpdf.Fpdf, widths []float64, headers []string) {
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		lines := pdf.SplitText(emptyFallback(val, "-"), widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return strings.TrimSpace(val)
}

func shortDigest(d string) string {
	if len(d) > 32 {
		return d[:32] + "..."
	}
	return d
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
