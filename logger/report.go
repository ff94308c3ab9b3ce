package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
)

type componentStat struct {
	warns  int64
	errors int64
}

var components sync.Map // map[string]*componentStat

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// ComponentCounts returns the warn and error counts logged so far for component.
func ComponentCounts(component string) (warns, errors int64) {
	v, ok := components.Load(component)
	if !ok {
		return 0, 0
	}
	cs := v.(*componentStat)
	return atomic.LoadInt64(&cs.warns), atomic.LoadInt64(&cs.errors)
}

// ReportFunc supplies extra fields for each runtime report.
type ReportFunc func() Fields

// StartReport begins periodic logging of runtime statistics until ctx is done.
// extra may be nil.
func StartReport(ctx context.Context, log *Log, interval time.Duration, extra ReportFunc) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log, extra)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log, extra ReportFunc) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats != nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	counts := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		counts[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	fields := Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"components":     counts,
	}
	if extra != nil {
		for k, v := range extra() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}
	for name, c := range counts {
		dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(c["warns"]))},
			cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(c["errors"]))},
		)
	}
	publishMetrics(ctx, data)
}
