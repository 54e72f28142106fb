package common

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	reportWidth = 80
	labelWidth  = 18
)

// Report renders the boxed console summaries the ledger tools print. A box
// groups the entries of one wallet; Item and Detail lines fill it.
type Report struct {
	w     io.Writer
	width int
}

// NewReport writes to w, or to stdout when w is nil.
func NewReport(w io.Writer) *Report {
	if w == nil {
		w = os.Stdout
	}
	return &Report{w: w, width: reportWidth}
}

func (r *Report) rule() string {
	return strings.Repeat("=", r.width)
}

func (r *Report) Header(title string) {
	fmt.Fprintf(r.w, "\n%s\n%s\n%s\n", r.rule(), title, r.rule())
}

// Footer ends the report with a summary line.
func (r *Report) Footer(format string, args ...any) {
	fmt.Fprintf(r.w, "\n%s\n%s\n%s\n\n", r.rule(), fmt.Sprintf(format, args...), r.rule())
}

// Close ends a section that has no summary.
func (r *Report) Close() {
	fmt.Fprintln(r.w, r.rule())
}

// Field prints one aligned "label: value" line.
func (r *Report) Field(label string, value any) {
	fmt.Fprintf(r.w, "%-*s%v\n", labelWidth, label+":", value)
}

func (r *Report) Line(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}

// Box opens a block titled after a wallet, followed by its detail lines.
func (r *Report) Box(title string, details ...string) {
	fmt.Fprintf(r.w, "\n┌─ %s\n", title)
	for _, detail := range details {
		fmt.Fprintf(r.w, "│  %s\n", detail)
	}
	r.Divider()
}

func (r *Report) Divider() {
	fmt.Fprintln(r.w, "├"+strings.Repeat("─", r.width-2))
}

// Item prints one entry of a box. The last entry closes the box.
func (r *Report) Item(isLast bool, format string, args ...any) {
	prefix := "│  "
	if isLast {
		prefix = "└  "
	}
	fmt.Fprintf(r.w, "%s %s\n", prefix, fmt.Sprintf(format, args...))
}

// Detail prints a line nested under the preceding item.
func (r *Report) Detail(isLast bool, format string, args ...any) {
	prefix := "│  "
	if isLast {
		prefix = "   "
	}
	fmt.Fprintf(r.w, "%s    %s\n", prefix, fmt.Sprintf(format, args...))
}

// Balance lines up a currency and an amount in the report's balance column.
func Balance(currency string, amount decimal.Decimal) string {
	return fmt.Sprintf("%-15s: %20s", currency, amount.String())
}

// ShortId trims an identifier for a report column.
func ShortId(id string) string {
	if id == "" {
		return "none"
	}
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}
