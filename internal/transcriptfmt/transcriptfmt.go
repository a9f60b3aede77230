// Package transcriptfmt parses the stored transcript markdown (a leading
// metadata block plus "[HH:MM:SS] text" segment lines) into a segment
// list and serializes that list to the download formats: WebVTT, SRT,
// plain text, and a JSON segment array. It only needs to round-trip the
// one markdown shape this codebase itself writes, not arbitrary
// third-party transcript files.
package transcriptfmt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Format is a requested transcript download format.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatText     Format = "txt"
	FormatSRT      Format = "srt"
	FormatVTT      Format = "vtt"
	FormatJSON     Format = "json"
)

// Meta is the parsed leading metadata block.
type Meta struct {
	Title  string
	Source string
	Model  string
}

// Segment is one parsed transcript line, with Start in seconds. End is
// inferred as the next segment's Start (or Start+4s for the last one),
// since the markdown format itself only stamps a start time per line.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

var metaLineRe = regexp.MustCompile(`^(\w+):\s*(.*)$`)
var segmentLineRe = regexp.MustCompile(`^\[(\d{2}):(\d{2}):(\d{2})\]\s?(.*)$`)

// Parse reads the stored markdown and returns its metadata plus segment
// list, in document order.
func Parse(markdown string) (Meta, []Segment, error) {
	lines := strings.Split(markdown, "\n")

	var meta Meta
	i := 0
	if i < len(lines) && strings.TrimSpace(lines[i]) == "---" {
		i++
		for i < len(lines) && strings.TrimSpace(lines[i]) != "---" {
			m := metaLineRe.FindStringSubmatch(lines[i])
			if m != nil {
				switch m[1] {
				case "title":
					meta.Title = m[2]
				case "source":
					meta.Source = m[2]
				case "model":
					meta.Model = m[2]
				}
			}
			i++
		}
		i++ // skip closing ---
	}

	var segments []Segment
	for ; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := segmentLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		s, _ := strconv.Atoi(m[3])
		start := float64(h*3600 + min*60 + s)
		segments = append(segments, Segment{Start: start, Text: m[4]})
	}

	for idx := range segments {
		if idx+1 < len(segments) {
			segments[idx].End = segments[idx+1].Start
		} else {
			segments[idx].End = segments[idx].Start + 4
		}
	}

	return meta, segments, nil
}

// Convert renders markdown content to the requested target format.
func Convert(markdown string, format Format) (string, string, error) {
	meta, segments, err := Parse(markdown)
	if err != nil {
		return "", "", err
	}

	switch format {
	case FormatMarkdown, "":
		return markdown, "text/markdown", nil
	case FormatText:
		return renderText(segments), "text/plain", nil
	case FormatSRT:
		return renderSRT(segments), "application/x-subrip", nil
	case FormatVTT:
		return renderVTT(segments), "text/vtt", nil
	case FormatJSON:
		body, err := renderJSON(meta, segments)
		return body, "application/json", err
	default:
		return "", "", fmt.Errorf("unsupported transcript format %q", format)
	}
}

func renderText(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func renderSRT(segments []Segment) string {
	var b strings.Builder
	for i, s := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTimestamp(s.Start), srtTimestamp(s.End), s.Text)
	}
	return b.String()
}

func renderVTT(segments []Segment) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, s := range segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n", vttTimestamp(s.Start), vttTimestamp(s.End), s.Text)
	}
	return b.String()
}

type jsonDoc struct {
	Title    string    `json:"title,omitempty"`
	Source   string    `json:"source,omitempty"`
	Model    string    `json:"model,omitempty"`
	Segments []Segment `json:"segments"`
}

func renderJSON(meta Meta, segments []Segment) (string, error) {
	doc := jsonDoc{Title: meta.Title, Source: meta.Source, Model: meta.Model, Segments: segments}
	if doc.Segments == nil {
		doc.Segments = []Segment{}
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal transcript json: %w", err)
	}
	return string(buf), nil
}

func srtTimestamp(seconds float64) string {
	return formatClock(seconds, ",")
}

func vttTimestamp(seconds float64) string {
	return formatClock(seconds, ".")
}

func formatClock(seconds float64, msSep string) string {
	total := int64(seconds * 1000)
	ms := total % 1000
	total /= 1000
	s := total % 60
	total /= 60
	m := total % 60
	total /= 60
	h := total
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, msSep, ms)
}
