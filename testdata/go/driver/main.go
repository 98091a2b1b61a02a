package main

/*
#include <stdint.h>
*/
import "C"

import (
	"os"
)

// markerTag is rewritten by the image patching tests.
var markerTag = "KEXTPATCH-MARKER-v1"

func markerPath() string {
	if env := os.Getenv("KEXTPATCH_MARKER"); env != "" {
		return env
	}
	return "/tmp/kextpatch_marker.txt"
}

//export StartW
func StartW() {
	_ = os.WriteFile(markerPath(), []byte(markerTag), 0o600)
}

//export StartWStatus
func StartWStatus() C.int {
	StartW()
	return 1337
}

func main() {}
