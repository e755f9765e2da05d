package util

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ExpandRange expands an id list into individual values, sorted and
// deduplicated. Supports formats like:
//   - "100-102" -> [100, 101, 102]
//   - "100,300" -> [100, 300]
//   - "100-101,300,400-401" -> [100, 101, 300, 400, 401]
func ExpandRange(spec string) ([]uint32, error) {
	if spec == "" {
		return nil, nil
	}

	var result []uint32
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := parseID(lo)
			if err != nil {
				return nil, fmt.Errorf("invalid start value in range %s: %v", part, err)
			}
			end, err := parseID(hi)
			if err != nil {
				return nil, fmt.Errorf("invalid end value in range %s: %v", part, err)
			}
			if start > end {
				return nil, fmt.Errorf("start value %d greater than end value %d in range %s", start, end, part)
			}
			for i := uint64(start); i <= uint64(end); i++ {
				result = append(result, uint32(i))
			}
			continue
		}

		val, err := parseID(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		result = append(result, val)
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return dedupIDs(result), nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// CompactRange compacts ids into range notation
// [100, 101, 102, 300] -> "100-102,300"
func CompactRange(values []uint32) string {
	if len(values) == 0 {
		return ""
	}

	sorted := append([]uint32(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	sorted = dedupIDs(sorted)

	var parts []string
	start, end := sorted[0], sorted[0]
	for _, v := range sorted[1:] {
		if v == end+1 {
			end = v
			continue
		}
		parts = append(parts, formatRange(start, end))
		start, end = v, v
	}
	parts = append(parts, formatRange(start, end))

	return strings.Join(parts, ",")
}

func formatRange(start, end uint32) string {
	if start == end {
		return strconv.FormatUint(uint64(start), 10)
	}
	return fmt.Sprintf("%d-%d", start, end)
}

func dedupIDs(sorted []uint32) []uint32 {
	if len(sorted) == 0 {
		return sorted
	}
	result := []uint32{sorted[0]}
	for _, v := range sorted[1:] {
		if v != result[len(result)-1] {
			result = append(result, v)
		}
	}
	return result
}
