package train

import (
	"encoding/csv"
	"io"
	"log"
	"strconv"
	"sync"

	"github.com/unixpickle/essentials"
)

// A MetricSink records named scalar metrics.
type MetricSink interface {
	Log(name string, value float64, step int) error
}

// LogSink prints metrics with the standard logger.
type LogSink struct {
	// Logger is used instead of the standard logger if it
	// is non-nil.
	Logger *log.Logger
}

// Log prints the metric.
func (l *LogSink) Log(name string, value float64, step int) error {
	if l.Logger != nil {
		l.Logger.Printf("step %d: %s = %f", step, name, value)
	} else {
		log.Printf("step %d: %s = %f", step, name, value)
	}
	return nil
}

// CSVSink writes one "step,name,value" record per metric.
type CSVSink struct {
	lock   sync.Mutex
	writer *csv.Writer
}

// NewCSVSink creates a CSVSink that writes to w, starting
// with a header record.
func NewCSVSink(w io.Writer) (*CSVSink, error) {
	res := &CSVSink{writer: csv.NewWriter(w)}
	if err := res.write([]string{"step", "name", "value"}); err != nil {
		return nil, essentials.AddCtx("create CSV sink", err)
	}
	return res, nil
}

// Log writes the metric and flushes it.
func (c *CSVSink) Log(name string, value float64, step int) error {
	return c.write([]string{
		strconv.Itoa(step),
		name,
		strconv.FormatFloat(value, 'g', -1, 64),
	})
}

func (c *CSVSink) write(record []string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.writer.Write(record); err != nil {
		return err
	}
	c.writer.Flush()
	return c.writer.Error()
}

// MultiSink sends every metric to each of its sinks.
type MultiSink []MetricSink

// Log logs to every sink, returning the first error.
func (m MultiSink) Log(name string, value float64, step int) error {
	var firstErr error
	for _, s := range m {
		if err := s.Log(name, value, step); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
