package memmon

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestRowEncoding(t *testing.T) {
	var buf bytes.Buffer
	s := sample{
		elapsed: 42 * time.Millisecond,
		pid:     12345,
		peak:    104857600,
		rss:     52428800,
	}
	test.That(t, writeRow(&buf, s, "load_index"), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldEqual, `43;12345;104857600;52428800;"load_index"`+"\n")
}

func TestElapsedTimeRoundsUp(t *testing.T) {
	// Sub-millisecond remainders are truncated before the +1 bias, so the
	// written value is always the elapsed time rounded up and never 0.
	for _, tc := range []struct {
		elapsed time.Duration
		timeMS  int64
	}{
		{0, 1},
		{999 * time.Microsecond, 1},
		{time.Millisecond, 2},
		{1500 * time.Microsecond, 2},
		{50 * time.Millisecond, 51},
	} {
		var buf bytes.Buffer
		test.That(t, writeRow(&buf, sample{elapsed: tc.elapsed}, ""), test.ShouldBeNil)

		rows, err := Parse(strings.NewReader(logHeader + "\n" + buf.String()))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rows, test.ShouldHaveLength, 1)
		test.That(t, rows[0].TimeMS, test.ShouldEqual, tc.timeMS)
	}
}

func TestParseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	test.That(t, writeHeader(&buf), test.ShouldBeNil)

	samples := []struct {
		s     sample
		event string
	}{
		{sample{elapsed: 0, pid: 7, peak: 100, rss: 50}, ""},
		{sample{elapsed: 50 * time.Millisecond, pid: 7, peak: 200, rss: 150}, "plain"},
		// Event names with the delimiter or quotes still round-trip because
		// the event column is quoted and parsed last.
		{sample{elapsed: 100 * time.Millisecond, pid: 7, peak: 300, rss: 250}, `semi;colon`},
		{sample{elapsed: 150 * time.Millisecond, pid: 7, peak: 400, rss: 350}, `has "quotes"`},
	}
	for _, tc := range samples {
		test.That(t, writeRow(&buf, tc.s, tc.event), test.ShouldBeNil)
	}

	rows, err := Parse(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rows, test.ShouldHaveLength, len(samples))
	for idx, row := range rows {
		test.That(t, row.PID, test.ShouldEqual, samples[idx].s.pid)
		test.That(t, row.PeakBytes, test.ShouldEqual, samples[idx].s.peak)
		test.That(t, row.RSSBytes, test.ShouldEqual, samples[idx].s.rss)
		test.That(t, row.Event, test.ShouldEqual, samples[idx].event)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "empty")

	_, err = Parse(strings.NewReader("not;the;header\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unexpected header")

	rows, err := Parse(strings.NewReader(logHeader + "\n" + `1;7;100;50;"ok"` + "\n" + "garbage\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "line 3")
	// Rows before the bad line are still returned.
	test.That(t, rows, test.ShouldHaveLength, 1)
	test.That(t, rows[0].Event, test.ShouldEqual, "ok")
}
