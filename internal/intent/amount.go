package intent

import (
	"math"
	"strconv"
	"strings"
)

// ParseAmount 解析用户输入的数量，只接受有限的正数。
// ".5" 解析为 0.5；"0"、负数与非数字均返回 false。
func ParseAmount(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return 0, false
	}
	return value, true
}

func newAmount(raw string) *Amount {
	value, ok := ParseAmount(raw)
	if !ok {
		return nil
	}
	return &Amount{Value: value, Raw: strings.TrimPrefix(strings.TrimSpace(raw), "$")}
}
