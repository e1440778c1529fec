package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostCollector reports CPU and memory of the machine running the batch.
// Readings are taken at scrape time.
type HostCollector struct {
	cpuUsage *prometheus.Desc
	memUsed  *prometheus.Desc
	memAvail *prometheus.Desc
	cpuCores *prometheus.Desc
	readCPU  func() (float64, error)
	readMem  func() (used, available uint64, err error)
}

// NewHostCollector creates a collector backed by gopsutil
func NewHostCollector() *HostCollector {
	return &HostCollector{
		cpuUsage: prometheus.NewDesc(namespace+"_host_cpu_usage_percent", "Host CPU utilisation", nil, nil),
		memUsed:  prometheus.NewDesc(namespace+"_host_memory_used_bytes", "Host memory in use", nil, nil),
		memAvail: prometheus.NewDesc(namespace+"_host_memory_available_bytes", "Host memory available", nil, nil),
		cpuCores: prometheus.NewDesc(namespace+"_host_cpu_cores", "Logical CPU cores", nil, nil),
		readCPU: func() (float64, error) {
			// interval 0 compares against the previous call
			pct, err := cpu.Percent(0, false)
			if err != nil || len(pct) == 0 {
				return 0, err
			}
			return pct[0], nil
		},
		readMem: func() (uint64, uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, 0, err
			}
			return vm.Used, vm.Available, nil
		},
	}
}

// Describe implements prometheus.Collector
func (c *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuUsage
	ch <- c.memUsed
	ch <- c.memAvail
	ch <- c.cpuCores
}

// Collect implements prometheus.Collector. Failed readings are skipped.
func (c *HostCollector) Collect(ch chan<- prometheus.Metric) {
	if pct, err := c.readCPU(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpuUsage, prometheus.GaugeValue, pct)
	}
	if used, avail, err := c.readMem(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memUsed, prometheus.GaugeValue, float64(used))
		ch <- prometheus.MustNewConstMetric(c.memAvail, prometheus.GaugeValue, float64(avail))
	}
	ch <- prometheus.MustNewConstMetric(c.cpuCores, prometheus.GaugeValue, float64(runtime.NumCPU()))
}
