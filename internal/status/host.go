package status

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
	"github.com/sirupsen/logrus"
)

// HostStats is a companion-computer resource sample.
type HostStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	RAMPercent  float64 `json:"ram_percent"`
	TempCelsius float64 `json:"temp_celsius"`
}

// HostCollector samples the machine the safety net runs on.
type HostCollector struct {
	thermalZone string
	logger      *logrus.Entry
}

// NewHostCollector creates a collector. The thermal zone file is the
// fallback temperature source on boards without hwmon sensors.
func NewHostCollector(logger *logrus.Entry) *HostCollector {
	return &HostCollector{
		thermalZone: "/sys/class/thermal/thermal_zone0/temp",
		logger:      logger,
	}
}

// Collect samples CPU, memory and temperature. Unavailable metrics are zero.
// CPU usage is measured since the previous call so Collect never sleeps.
func (h *HostCollector) Collect(ctx context.Context) HostStats {
	var stats HostStats

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		h.logger.Debugf("failed to collect CPU metrics: %v", err)
	} else if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		h.logger.Debugf("failed to collect memory metrics: %v", err)
	} else {
		stats.RAMPercent = vmem.UsedPercent
	}

	stats.TempCelsius = h.temperature(ctx)
	return stats
}

func (h *HostCollector) temperature(ctx context.Context) float64 {
	temps, err := sensors.TemperaturesWithContext(ctx)
	if err == nil {
		for _, t := range temps {
			key := strings.ToLower(t.SensorKey)
			if key == "cpu_thermal" || key == "cpu-thermal" ||
				strings.Contains(key, "coretemp") || strings.Contains(key, "k10temp") {
				return t.Temperature
			}
		}
	}

	// millidegrees Celsius
	data, err := os.ReadFile(h.thermalZone)
	if err == nil {
		if temp, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
			return temp / 1000.0
		}
	}

	return 0
}
