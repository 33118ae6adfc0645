package report

type Measurement[T any] struct {
	Time  int64
	Value T
}

type DeviceMeasurement[T any] struct {
	DeviceName  string
	Measurement Measurement[T]
}

type SystemMeasurements struct {
	CpuUsageUser    []Measurement[float64]
	CpuUsageSystem  []Measurement[float64]
	CpuUsageIdle    []Measurement[float64]
	CpuUsageNice    []Measurement[float64]
	CpuUsageIowait  []Measurement[float64]
	CpuUsageIrq     []Measurement[float64]
	CpuUsageSoftIrq []Measurement[float64]
	CpuUsageSteal   []Measurement[float64]

	MemUsedBytes  []Measurement[int]
	MemUsedPct    []Measurement[float64]
	MemAvailBytes []Measurement[int]

	NetBytesSent   []DeviceMeasurement[int]
	NetBytesRecv   []DeviceMeasurement[int]
	NetPacketsSent []DeviceMeasurement[int]
	NetPacketsRecv []DeviceMeasurement[int]
}

// RunReport summarizes one executed experiment. It is written next to the collected logs.
type RunReport struct {
	Name         string
	System       string
	Desc         string
	StartTime    int64
	TotalTimeSec float64
	Error        string // non-empty iff the run failed

	Throughput         *ThroughputSummary `json:",omitempty"`
	SystemMeasurements *SystemMeasurements `json:",omitempty"`
}
