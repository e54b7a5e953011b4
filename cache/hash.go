package cache

import (
	"strconv"
	"unicode/utf16"
)

// HashURL is the widget's 32-bit string hash over UTF-16 code units
// (h = h*31 + c, wrapping), rendered as the base-36 absolute value. Keys
// written by the browser widget and by this package therefore agree.
func HashURL(s string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}
