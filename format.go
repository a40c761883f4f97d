package memmon

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// The log is row oriented: one header line, then one line per sample.
//
//	time_ms;pid;VmPeak;VmRSS;event
//	51;12345;104857600;52428800;"load_index"
//
// The column names are kept from the original mem_monitor tool so existing
// plotting scripts keep working; "VmPeak" holds the peak *resident* size.
const logHeader = "time_ms;pid;VmPeak;VmRSS;event"

func writeHeader(writer io.Writer) error {
	_, err := fmt.Fprintln(writer, logHeader)
	return err
}

func writeRow(writer io.Writer, s sample, event string) error {
	// The elapsed time is truncated to milliseconds and then biased by one,
	// i.e. rounded up. Consumers of the original format rely on the first
	// sample never reporting 0.
	_, err := fmt.Fprintf(writer, "%d;%d;%d;%d;%s\n",
		s.elapsed.Milliseconds()+1,
		s.pid,
		s.peak,
		s.rss,
		strconv.Quote(event),
	)
	return err
}

// Row is one parsed line of a memory monitor log.
type Row struct {
	// TimeMS is milliseconds from monitor start to the sample, as written:
	// rounded up with the original format's +1 bias.
	TimeMS    int64
	PID       uint64
	PeakBytes uint64
	RSSBytes  uint64
	Event     string
}

// Parse reads an entire memory monitor log and returns its rows. If a line
// cannot be parsed, the rows parsed up until that point are returned together
// with a non-nil error.
func Parse(reader io.Reader) ([]Row, error) {
	scanner := bufio.NewScanner(reader)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("empty memory monitor log")
	}
	if scanner.Text() != logHeader {
		return nil, errors.Errorf("unexpected header line: %q", scanner.Text())
	}

	rows := make([]Row, 0)
	for lineNo := 2; scanner.Scan(); lineNo++ {
		row, err := parseRow(scanner.Text())
		if err != nil {
			return rows, errors.Wrapf(err, "line %d", lineNo)
		}
		rows = append(rows, row)
	}

	return rows, scanner.Err()
}

func parseRow(line string) (Row, error) {
	// The event column is last and quoted, so it may itself contain
	// semicolons. Only the four numeric columns are split off.
	fields := strings.SplitN(line, ";", 5)
	if len(fields) != 5 {
		return Row{}, errors.Errorf("expected 5 columns, got %d", len(fields))
	}

	timeMS, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Row{}, errors.Wrap(err, "time_ms")
	}
	pid, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Row{}, errors.Wrap(err, "pid")
	}
	peak, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Row{}, errors.Wrap(err, "VmPeak")
	}
	rss, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return Row{}, errors.Wrap(err, "VmRSS")
	}
	event, err := strconv.Unquote(fields[4])
	if err != nil {
		return Row{}, errors.Wrap(err, "event")
	}

	return Row{
		TimeMS:    timeMS,
		PID:       pid,
		PeakBytes: peak,
		RSSBytes:  rss,
		Event:     event,
	}, nil
}
