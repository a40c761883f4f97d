// main provides a CLI tool for graphing memory monitor logs with gnuplot.
package main

import (
	"fmt"
	"io"
	"os"

	"go.viam.com/utils"

	"github.com/memmon-dev/memmon"
)

// gnuplotWriter organizes all of the output for `gnuplot` to create a graph
// from a memory monitor log. Notably:
//   - There is one data file per memory series (peak and current RSS), each
//     containing (time_ms, megabytes) points.
//   - There is additionally one "top-level" file. This is the file to call
//     `gnuplot` against. It contains layout/styling information, one plot line
//     per series and one label per event change.
type gnuplotWriter struct {
	seriesFiles map[string]*os.File

	// eventLabels are (time_ms, event name) pairs at the points where the
	// recorded event changed.
	eventLabels [][2]string

	tempdir string
}

// writeln is a wrapper for Fprintln that panics on any error.
func writeln(toWrite io.Writer, str string) {
	_, err := fmt.Fprintln(toWrite, str)
	if err != nil {
		panic(err)
	}
}

// writelnf will string format the latter arguments and call writeln.
func writelnf(toWrite io.Writer, formatStr string, args ...any) {
	writeln(toWrite, fmt.Sprintf(formatStr, args...))
}

func newGnuPlotWriter() *gnuplotWriter {
	tempdir, err := os.MkdirTemp("", "memmonplot")
	if err != nil {
		panic(err)
	}

	return &gnuplotWriter{
		seriesFiles: make(map[string]*os.File),
		tempdir:     tempdir,
	}
}

func (gpw *gnuplotWriter) getDatafile(seriesName string) io.Writer {
	if datafile, created := gpw.seriesFiles[seriesName]; created {
		return datafile
	}

	datafile, err := os.CreateTemp(gpw.tempdir, "")
	if err != nil {
		panic(err)
	}
	gpw.seriesFiles[seriesName] = datafile

	return datafile
}

func (gpw *gnuplotWriter) addPoint(timeMS int64, seriesName string, bytes uint64) {
	const bytesPerMegabyte = 1024.0 * 1024.0
	writelnf(gpw.getDatafile(seriesName), "%v %.2f", timeMS, float64(bytes)/bytesPerMegabyte)
}

func (gpw *gnuplotWriter) addRow(row memmon.Row, prevEvent string) {
	gpw.addPoint(row.TimeMS, "VmPeak", row.PeakBytes)
	gpw.addPoint(row.TimeMS, "VmRSS", row.RSSBytes)
	if row.Event != prevEvent && row.Event != "" {
		gpw.eventLabels = append(gpw.eventLabels, [2]string{fmt.Sprint(row.TimeMS), row.Event})
	}
}

// RenderAndClose writes out the "top-level" file and closes all file handles.
func (gpw *gnuplotWriter) RenderAndClose() {
	gnuFile, err := os.CreateTemp(gpw.tempdir, "main")
	if err != nil {
		panic(err)
	}
	defer utils.UncheckedErrorFunc(gnuFile.Close)

	// We are a CLI, it's appropriate to write to stdout.
	//
	//nolint:forbidigo
	fmt.Println("GNUPlot File:", gnuFile.Name())
	writelnf(gnuFile, "set term png size %d, %d", 1000, 400*len(gpw.seriesFiles))
	writeln(gnuFile, "set output 'memory.png'")
	writelnf(gnuFile, "set multiplot layout %v,1 margins 0.05,0.9, 0.05,0.9 spacing screen 0, char 5", len(gpw.seriesFiles))
	writeln(gnuFile, "set xlabel 'Time (ms)'")
	writeln(gnuFile, "set ylabel 'Megabytes'")
	writeln(gnuFile, "set yrange [0:*]")

	for labelIdx, label := range gpw.eventLabels {
		writelnf(gnuFile, "set label %d '%s' at %s, graph 0.9 rotate by 45", labelIdx+1, label[1], label[0])
		writelnf(gnuFile, "set arrow from %s, graph 0 to %s, graph 1 nohead dashtype 2", label[0], label[0])
	}

	for seriesName, file := range gpw.seriesFiles {
		writelnf(gnuFile, "plot '%v' using 1:2 with lines linestyle 7 lw 4 title '%v'", file.Name(), seriesName)
		utils.UncheckedErrorFunc(file.Close)
	}
}

func main() {
	if len(os.Args) < 2 {
		// We are a CLI, it's appropriate to write to stdout.
		//
		//nolint:forbidigo
		fmt.Println("Expected a memory monitor log. E.g: go run main.go <path-to>/run.memmon")
		return
	}

	logFile, err := os.Open(os.Args[1])
	if err != nil {
		// We are a CLI, it's appropriate to write to stdout.
		//
		//nolint:forbidigo
		fmt.Println("Error opening file. File:", os.Args[1], "Err:", err)
		return
	}
	defer utils.UncheckedErrorFunc(logFile.Close)

	rows, err := memmon.Parse(logFile)
	if err != nil {
		panic(err)
	}

	gpw := newGnuPlotWriter()
	prevEvent := ""
	for _, row := range rows {
		gpw.addRow(row, prevEvent)
		prevEvent = row.Event
	}

	gpw.RenderAndClose()
}
