// Package formatter renders terminal output for the hook: status lines on
// stderr (certbot captures hook output there) and the CNAME instruction box
// operators act on after a first-time registration.
package formatter

import (
	"fmt"
	"io"
	"os"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
)

// Color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

// Icons for different message types
const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "⚠"
	iconInfo    = "→"
)

// Output provides formatted output methods.
type Output struct {
	w       io.Writer
	verbose bool
	noColor bool
}

// New creates an Output writing to stderr.
func New(verbose, noColor bool) *Output {
	return &Output{w: os.Stderr, verbose: verbose, noColor: noColor}
}

// NewWriter creates an Output writing to w.
func NewWriter(w io.Writer, verbose, noColor bool) *Output {
	return &Output{w: w, verbose: verbose, noColor: noColor}
}

func (o *Output) color(color, text string) string {
	if o.noColor {
		return text
	}
	return color + text + colorReset
}

// Success prints a success message.
func (o *Output) Success(format string, args ...interface{}) {
	fmt.Fprintf(o.w, "%s %s\n", o.color(colorGreen, iconSuccess), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...interface{}) {
	fmt.Fprintf(o.w, "%s %s\n", o.color(colorRed, iconError), fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (o *Output) Warning(format string, args ...interface{}) {
	fmt.Fprintf(o.w, "%s %s\n", o.color(colorYellow, iconWarning), fmt.Sprintf(format, args...))
}

// Info prints an info message.
func (o *Output) Info(format string, args ...interface{}) {
	fmt.Fprintf(o.w, "%s %s\n", o.color(colorBlue, iconInfo), fmt.Sprintf(format, args...))
}

// Verbose prints a message only in verbose mode.
func (o *Output) Verbose(format string, args ...interface{}) {
	if o.verbose {
		fmt.Fprintf(o.w, "  %s\n", o.color(colorDim, fmt.Sprintf(format, args...)))
	}
}

// CNAMEInstructions prints the record the operator must publish for each
// freshly registered domain.
func (o *Output) CNAMEInstructions(accounts map[string]*acmedns.Account) {
	if len(accounts) == 0 {
		return
	}

	fmt.Fprintf(o.w, "\n%s\n", o.color(colorBold, "Add the following CNAME record(s) to your main DNS zone:"))
	for domain, account := range accounts {
		fmt.Fprintf(o.w, "\n    %s CNAME %s.\n", acmedns.ChallengeDomain(domain), account.FullDomain)
	}
	fmt.Fprintln(o.w)
}
