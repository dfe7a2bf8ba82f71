package util

import (
	"fmt"
	"math"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
)

func UUID() string {
	return uuid.New().String()
}

func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func GetFunctionName(f interface{}) string {
	value := reflect.ValueOf(f)
	if value.Kind() != reflect.Func {
		return ""
	}
	return runtime.FuncForPC(value.Pointer()).Name()
}

// ParseSize parses a byte count in bytes or human readable form such as
// 42kb, 16mb or 1gb. The result must fit in a uint32.
func ParseSize(size string) (uint32, error) {
	size = strings.TrimSpace(size)
	if size == "" {
		return 0, fmt.Errorf("invalid empty size")
	}
	value, err := units.RAMInBytes(size)
	if err != nil {
		return 0, err
	}
	if value <= 0 || value > math.MaxUint32 {
		return 0, fmt.Errorf("size %v out of range", size)
	}
	return uint32(value), nil
}

// ParseTimeout parses a duration such as 1ms or 10s. Zero is allowed and
// means no timeout.
func ParseTimeout(timeout string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(timeout))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %v", timeout)
	}
	return d, nil
}
