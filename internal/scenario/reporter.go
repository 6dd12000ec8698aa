package scenario

import "chat-loadtest/internal/model"

// Reporter receives one metric per scenario iteration. Record is called
// synchronously from the iterating goroutine.
type Reporter interface {
	Record(m model.RequestMetric)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(m model.RequestMetric)

func (f ReporterFunc) Record(m model.RequestMetric) { f(m) }

type multiReporter []Reporter

func (mr multiReporter) Record(m model.RequestMetric) {
	for _, r := range mr {
		r.Record(m)
	}
}

// Reporters fans a metric out to every non-nil reporter in order.
func Reporters(rs ...Reporter) Reporter {
	out := make(multiReporter, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
