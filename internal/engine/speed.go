package engine

// speedHistory implements wget-style speed smoothing using a ring buffer
type speedHistory struct {
	samples    []speedSample
	pos        int
	size       int
	totalBytes int64
	totalTime  float64
}

type speedSample struct {
	bytes int64
	time  float64
}

const (
	speedHistorySize  = 20   // wget uses 20
	sampleMinDuration = 0.15 // seconds
)

func newSpeedHistory() *speedHistory {
	return &speedHistory{samples: make([]speedSample, speedHistorySize)}
}

// addSample records bytes transferred over duration seconds
func (sh *speedHistory) addSample(bytes int64, duration float64) {
	if duration < sampleMinDuration {
		return
	}

	if sh.size == speedHistorySize {
		old := sh.samples[sh.pos]
		sh.totalBytes -= old.bytes
		sh.totalTime -= old.time
	} else {
		sh.size++
	}

	sh.samples[sh.pos] = speedSample{bytes: bytes, time: duration}
	sh.totalBytes += bytes
	sh.totalTime += duration
	sh.pos = (sh.pos + 1) % speedHistorySize
}

// speed returns the smoothed rate in bytes per second, counting the not yet sampled tail
func (sh *speedHistory) speed(recentBytes int64, recentTime float64) float64 {
	totalTime := sh.totalTime + recentTime
	if totalTime <= 0 {
		return 0
	}
	return float64(sh.totalBytes+recentBytes) / totalTime
}
