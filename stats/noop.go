package stats

// A factory whose stats discard every observation.
var NoOpStatsFactory StatsFactory = noopStatsFactory{}

type noopStat struct{}

func (noopStat) Inc()              {}
func (noopStat) Dec()              {}
func (noopStat) Add(float64)       {}
func (noopStat) Sub(float64)       {}
func (noopStat) Set(float64)       {}
func (noopStat) Get() float64      { return 0 }
func (noopStat) Observe(v float64) {}

type noopStatsFactory struct{}

func (noopStatsFactory) NewCounter(string, map[string]string) CounterStat {
	return noopStat{}
}

func (noopStatsFactory) NewGauge(string, map[string]string) GaugeStat {
	return noopStat{}
}

func (noopStatsFactory) NewSummary(string, map[string]string) SummaryStat {
	return noopStat{}
}
