package compile

import "strings"

// binaryExtensions maps platform families to the artifact extension the
// toolchain produces for them. Matched in order; unrecognized platforms fall
// through to the default.
var binaryExtensions = []struct {
	platform  string
	extension string
}{
	{"arduino:avr", "hex"},
	{"esp32:esp32", "bin"},
	{"esp8266:esp8266", "bin"},
}

const defaultBinaryExtension = "bin"

// BinaryExtension returns the artifact file extension for a board type.
func BinaryExtension(boardType string) string {
	for _, entry := range binaryExtensions {
		if strings.Contains(boardType, entry.platform) {
			return entry.extension
		}
	}
	return defaultBinaryExtension
}
