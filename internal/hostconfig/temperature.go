package hostconfig

import (
	"os"
	"strconv"
	"strings"
)

// TemperatureReader resolves a logical CPU to a die temperature in
// degrees Celsius. The default implementation is table-driven for one
// specific dual-socket SKU (see coreToHwmon below) and is a documented
// open question, not a general solution: callers running on a different
// host should supply their own TemperatureReader.
type TemperatureReader interface {
	ReadTemperature(cpu int) (float64, error)
}

// coreToHwmon maps a logical core index to the hwmon sysfs path holding
// its Core-temp input, for the dual-socket SKU this table was written
// against. Ported from the original's getTemperatureCPU mapping.
// Host-specific; do not extend without re-deriving the table.
var coreToHwmon = map[int]string{
	0: "/sys/class/hwmon/hwmon1/temp2_input",
	1: "/sys/class/hwmon/hwmon1/temp3_input",
	2: "/sys/class/hwmon/hwmon1/temp4_input",
	3: "/sys/class/hwmon/hwmon1/temp5_input",
}

type sensorMapTemperatureReader struct{}

func defaultTemperatureReader() TemperatureReader { return sensorMapTemperatureReader{} }

func (sensorMapTemperatureReader) ReadTemperature(cpu int) (float64, error) {
	path, ok := coreToHwmon[cpu]
	if !ok {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	millideg, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return float64(millideg) / 1000.0, nil
}
