package kextpatch_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// buildTestImage builds testdata/go/driver as a c-shared image for
// goos/goarch, cross-compiling with zig when it is installed.
func buildTestImage(t *testing.T, outDir string, goos string, goarch string) string {
	t.Helper()
	requireCommand(t, "go")

	ext, err := sharedLibExt(goos)
	if err != nil {
		t.Fatalf("build test image target=%s/%s: %v", goos, goarch, err)
	}

	outputPath := filepath.Join(outDir, fmt.Sprintf("driver_%s-%s.%s", goos, goarch, ext))
	sourcePath := "./testdata/go/driver"

	args := []string{
		"build",
		"-buildmode=c-shared",
		"-trimpath",
		"-o", outputPath,
		sourcePath,
	}

	baseEnv := overrideEnv(os.Environ(), map[string]string{
		"GOOS":        goos,
		"GOARCH":      goarch,
		"CGO_ENABLED": "1",
		"GOCACHE":     filepath.Join(os.TempDir(), "kextpatch-go-build-cache"),
	})

	var (
		out []byte
	)
	if _, err := exec.LookPath("zig"); err == nil {
		cmd := exec.Command("go", args...)
		cc := "zig cc"
		cxx := "zig c++"
		if target, ok := zigTargetFor(goos, goarch); ok {
			cc = "zig cc -target " + target
			cxx = "zig c++ -target " + target
		}
		cmd.Env = overrideEnv(baseEnv, map[string]string{
			"CC":  cc,
			"CXX": cxx,
		})
		out, err = cmd.CombinedOutput()
		if err == nil {
			cleanupSidecars(outputPath, ext)
			return outputPath
		}
		t.Logf("go build with zig cc failed for %s/%s, retrying with default compiler: %v\n%s", goos, goarch, err, out)
	}
	if goos != runtime.GOOS || goarch != runtime.GOARCH {
		t.Skipf("cannot cross-compile %s/%s without zig", goos, goarch)
	}

	cmd := exec.Command("go", args...)
	cmd.Env = baseEnv
	out, err = cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build test image target=%s/%s: %v\n%s", goos, goarch, err, out)
	}

	cleanupSidecars(outputPath, ext)
	return outputPath
}

func zigTargetFor(goos string, goarch string) (string, bool) {
	switch {
	case goos == "darwin" && goarch == "amd64":
		return "x86_64-macos", true
	case goos == "darwin" && goarch == "arm64":
		return "aarch64-macos", true
	case goos == "linux" && goarch == "386":
		return "x86-linux-gnu", true
	case goos == "linux" && goarch == "amd64":
		return "x86_64-linux-gnu", true
	case goos == "linux" && goarch == "arm64":
		return "aarch64-linux-gnu", true
	default:
		return "", false
	}
}

func sharedLibExt(goos string) (string, error) {
	switch goos {
	case "darwin":
		return "dylib", nil
	case "linux":
		return "so", nil
	default:
		return "", fmt.Errorf("unsupported target os: %s", goos)
	}
}

func cleanupSidecars(outputPath string, ext string) {
	base := strings.TrimSuffix(outputPath, "."+ext)
	_ = os.Remove(base + ".h")
}

func overrideEnv(base []string, overrides map[string]string) []string {
	block := make(map[string]struct{}, len(overrides))
	for key := range overrides {
		block[key] = struct{}{}
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		if _, drop := block[kv[:eq]]; drop {
			continue
		}
		out = append(out, kv)
	}

	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}
