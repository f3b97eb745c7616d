package gpu

import "strings"

// MemoryPropertyFlags describe the capabilities of a memory type
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

var memoryPropertyNames = []struct {
	flag MemoryPropertyFlags
	name string
}{
	{MemoryPropertyDeviceLocal, "DeviceLocal"},
	{MemoryPropertyHostVisible, "HostVisible"},
	{MemoryPropertyHostCoherent, "HostCoherent"},
	{MemoryPropertyHostCached, "HostCached"},
}

// Contains reports whether every bit in other is also set in f
func (f MemoryPropertyFlags) Contains(other MemoryPropertyFlags) bool {
	return f&other == other
}

func (f MemoryPropertyFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, entry := range memoryPropertyNames {
		if f&entry.flag != 0 {
			names = append(names, entry.name)
			f &^= entry.flag
		}
	}
	if f != 0 {
		names = append(names, "Unknown")
	}

	return strings.Join(names, "|")
}
