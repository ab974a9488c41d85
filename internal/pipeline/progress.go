package pipeline

import (
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ProgressWindow is the number of recent frames speed is measured over.
const ProgressWindow = 32

// Progress describes how far a run is.
type Progress struct {
	Frame   int           `json:"frame"`
	Total   int           `json:"total"`
	Percent float64       `json:"percent"`
	FPS     float64       `json:"fps"`
	ETA     time.Duration `json:"eta"`
}

// ProgressFunc receives progress after every frame.
type ProgressFunc func(Progress)

// progressMeter measures speed over a sliding window of frame timestamps.
type progressMeter struct {
	total    int
	current  int
	window   int
	measures []time.Time
	now      func() time.Time
}

func newProgressMeter(total int) *progressMeter {
	return &progressMeter{
		total:  total,
		window: ProgressWindow,
		now:    time.Now,
	}
}

func (m *progressMeter) tick() Progress {
	m.current++
	m.measures = append(m.measures, m.now())

	for m.window < len(m.measures) {
		m.measures = m.measures[1:]
	}

	p := Progress{Frame: m.current, Total: m.total}

	if 0 < m.total {
		p.Percent = min(100, 100*float64(m.current)/float64(m.total))
	}

	if 2 <= len(m.measures) {
		elapsed := m.measures[len(m.measures)-1].Sub(m.measures[0])
		if 0 < elapsed {
			p.FPS = float64(len(m.measures)-1) / elapsed.Seconds()
		}
	}

	if 0 < p.FPS && m.current < m.total {
		p.ETA = time.Duration(float64(m.total-m.current) / p.FPS * float64(time.Second)).Round(time.Second)
	}

	return p
}

// LogProgress logs every n-th frame and the last one.
func LogProgress(logger *zap.Logger, every int) ProgressFunc {
	if 0 >= every {
		every = 1
	}

	return func(p Progress) {
		if 0 != p.Frame%every && p.Frame != p.Total {
			return
		}

		logger.Info("progress",
			zap.Int("frame", p.Frame),
			zap.Int("total", p.Total),
			zap.String("percent", formatFloat(p.Percent, 3)),
			zap.String("fps", formatFloat(p.FPS, 1)),
			zap.Duration("eta", p.ETA),
		)
	}
}

// Fanout calls every non-nil fn in order.
func Fanout(fns ...ProgressFunc) ProgressFunc {
	return func(p Progress) {
		for _, fn := range fns {
			if nil != fn {
				fn(p)
			}
		}
	}
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
