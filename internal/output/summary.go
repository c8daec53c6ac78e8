// internal/output/summary.go - Download result reporting
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Format represents the supported summary formats
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// IsValid checks if the format is supported
func (f Format) IsValid() bool {
	switch f {
	case FormatText, FormatJSON:
		return true
	default:
		return false
	}
}

// Summary reports the outcome of one download
type Summary struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Source     string        `json:"source"`
	Status     string        `json:"status"`
	Path       string        `json:"path,omitempty"`
	TotalUnits int64         `json:"total_units"`
	Completed  int64         `json:"completed"`
	Failed     int64         `json:"failed"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

// Formatter renders summaries
type Formatter interface {
	Format(summaries []Summary) ([]byte, error)
}

// NewFormatter creates a formatter for the given format
func NewFormatter(format Format, pretty bool) (Formatter, error) {
	switch format {
	case FormatJSON:
		return &JSONFormatter{pretty: pretty}, nil
	case FormatText, "":
		return &TextFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// JSONFormatter renders summaries as a JSON array
type JSONFormatter struct {
	pretty bool
}

// Format implements Formatter
func (f *JSONFormatter) Format(summaries []Summary) ([]byte, error) {
	if summaries == nil {
		summaries = []Summary{}
	}
	if f.pretty {
		return json.MarshalIndent(summaries, "", "  ")
	}
	return json.Marshal(summaries)
}

// TextFormatter renders one human readable block per summary
type TextFormatter struct{}

// Format implements Formatter
func (f *TextFormatter) Format(summaries []Summary) ([]byte, error) {
	var sb strings.Builder
	for i, s := range summaries {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "Region:    %s\n", s.Name)
		fmt.Fprintf(&sb, "Status:    %s\n", s.Status)
		if s.Path != "" {
			fmt.Fprintf(&sb, "Output:    %s\n", s.Path)
		}
		fmt.Fprintf(&sb, "Source:    %s\n", s.Source)
		fmt.Fprintf(&sb, "Progress:  %d/%d (%d failed)\n", s.Completed, s.TotalUnits, s.Failed)
		fmt.Fprintf(&sb, "Size:      %s\n", HumanBytes(s.Bytes))
		fmt.Fprintf(&sb, "Duration:  %s\n", s.Duration.Round(time.Millisecond))
		if s.Error != "" {
			fmt.Fprintf(&sb, "Error:     %s\n", s.Error)
		}
	}
	return []byte(sb.String()), nil
}

// Write formats summaries and writes them to w
func Write(w io.Writer, f Formatter, summaries []Summary) error {
	data, err := f.Format(summaries)
	if err != nil {
		return fmt.Errorf("formatting failed: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		_, err = w.Write([]byte("\n"))
	}
	return err
}

// HumanBytes renders a byte count with a binary unit suffix
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
