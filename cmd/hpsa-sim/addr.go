package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseBTL parses a bus:target:lun argument
func parseBTL(s string) (bus, target, lun int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%q is not bus:target:lun", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("%q is not bus:target:lun", s)
		}
		v[i] = n
	}
	return v[0], v[1], v[2], nil
}
