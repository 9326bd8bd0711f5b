// Package trace parses recorded link-condition traces.
//
// A trace is a line-oriented text file where each non-blank, non-comment
// line describes one sample:
//
//	<offset> <bandwidth> [latency]
//
// Fields are separated by commas and/or whitespace, so both the CSV traces
// produced by measurement tooling and plain whitespace-separated files are
// accepted. The offset is seconds since trace start (float), the bandwidth
// is kbit/s (> 0), and the optional latency is milliseconds. Lines starting
// with '#' are comments.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Sample is one trace entry: the link conditions that become active at
// Offset after playback start. Samples are immutable once parsed.
type Sample struct {
	// Offset is the time since trace start at which this sample applies.
	Offset time.Duration
	// RateKbit is the link bandwidth in kbit/s. Always > 0.
	RateKbit int64
	// Latency is the per-sample delay override. Only meaningful when
	// HasLatency is true.
	Latency    time.Duration
	HasLatency bool
}

// ResolvedLatency returns the delay to inject for this sample: the sample's
// own latency when the trace supplied one, otherwise the externally
// configured base latency.
func (s Sample) ResolvedLatency(base time.Duration) time.Duration {
	if s.HasLatency {
		return s.Latency
	}
	return base
}

// Trace is an ordered, finite sequence of samples. Offsets are strictly
// increasing. Callers must treat Samples as read-only.
type Trace struct {
	Samples []Sample
}

// Len returns the number of samples.
func (t *Trace) Len() int { return len(t.Samples) }

// Duration returns the offset of the last sample, i.e. the span of trace
// time over which conditions change.
func (t *Trace) Duration() time.Duration {
	if len(t.Samples) == 0 {
		return 0
	}
	return t.Samples[len(t.Samples)-1].Offset
}

// ParseError reports a malformed trace, pointing at the offending line.
// Line is 1-based; it is 0 when the file as a whole is unusable (e.g. no
// samples at all).
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("trace: %s", e.Reason)
	}
	return fmt.Sprintf("trace: line %d: %s", e.Line, e.Reason)
}

// Parse reads a trace from r.
//
// Policy choices, enforced here so no partially-valid trace ever reaches
// playback:
//   - offsets must be non-decreasing; a decrease is a ParseError rather
//     than a silent sort, since reordering could mask a corrupt trace;
//   - two samples with the same offset collapse to the last one seen;
//   - bandwidth must be strictly positive;
//   - a trace with zero usable samples is a ParseError.
func Parse(r io.Reader) (*Trace, error) {
	var samples []Sample

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		sample, err := parseLine(line, lineNo)
		if err != nil {
			return nil, err
		}

		if n := len(samples); n > 0 {
			prev := samples[n-1].Offset
			switch {
			case sample.Offset < prev:
				return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf(
					"offset %s goes backwards (previous sample at %s)", sample.Offset, prev)}
			case sample.Offset == prev:
				// Ties keep the last-seen sample.
				samples[n-1] = sample
				continue
			}
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trace: read failed: %w", err)
	}

	if len(samples) == 0 {
		return nil, &ParseError{Line: 0, Reason: "no usable samples"}
	}

	return &Trace{Samples: samples}, nil
}

// ParseFile opens path and parses it as a trace.
func ParseFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %q: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

func parseLine(line string, lineNo int) (Sample, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(fields) < 2 || len(fields) > 3 {
		return Sample{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf(
			"expected 2 or 3 fields (offset, bandwidth, optional latency), got %d", len(fields))}
	}

	offsetSec, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Sample{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf("bad offset %q", fields[0])}
	}
	if offsetSec < 0 || math.IsNaN(offsetSec) || math.IsInf(offsetSec, 0) {
		return Sample{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf("offset %q out of range", fields[0])}
	}

	rate, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Sample{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf("bad bandwidth %q", fields[1])}
	}
	rateKbit := int64(math.Round(rate))
	if rate <= 0 || rateKbit <= 0 {
		return Sample{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf(
			"bandwidth must be positive kbit/s, got %q", fields[1])}
	}

	sample := Sample{
		Offset:   time.Duration(offsetSec * float64(time.Second)),
		RateKbit: rateKbit,
	}

	if len(fields) == 3 {
		latencyMs, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return Sample{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf("bad latency %q", fields[2])}
		}
		if latencyMs < 0 {
			return Sample{}, &ParseError{Line: lineNo, Reason: fmt.Sprintf(
				"latency must be non-negative milliseconds, got %q", fields[2])}
		}
		sample.Latency = time.Duration(latencyMs * float64(time.Millisecond))
		sample.HasLatency = true
	}

	return sample, nil
}

// WriteTrace writes t in the canonical comma-separated form, suitable for
// re-parsing. Tooling that converts measured throughput logs into traces
// can emit through this to stay in sync with the parser.
func WriteTrace(w io.Writer, t *Trace) error {
	if t == nil || len(t.Samples) == 0 {
		return fmt.Errorf("trace: nothing to write")
	}
	if _, err := fmt.Fprintln(w, "# time_s, rate_kbit[, latency_ms]"); err != nil {
		return err
	}
	for _, s := range t.Samples {
		var err error
		if s.HasLatency {
			_, err = fmt.Fprintf(w, "%g,%d,%g\n",
				s.Offset.Seconds(), s.RateKbit, float64(s.Latency)/float64(time.Millisecond))
		} else {
			_, err = fmt.Fprintf(w, "%g,%d\n", s.Offset.Seconds(), s.RateKbit)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
