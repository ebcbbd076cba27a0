//go:build darwin || linux

// Shared helpers for the purego bridge binding.

package tidsp

import (
	"os"
	"path/filepath"
	"runtime"
	"unsafe"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for *(*byte)(unsafe.Add(p, length)) != 0 {
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// findModuleRoot walks up the directory tree from the current working directory
// to find the module root (directory containing go.mod).
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// libraryPaths lists candidate locations for a native library, highest
// priority first: envPath, $TIDSP_SDK_LIB_PATH, next to the executable,
// the module build directory, then the system library directories.
func libraryPaths(base, envPath string) []string {
	libName := base + ".so"
	if runtime.GOOS == "darwin" {
		libName = base + ".dylib"
	}

	var paths []string
	if envPath != "" {
		paths = append(paths, envPath)
	}
	if dir := os.Getenv("TIDSP_SDK_LIB_PATH"); dir != "" {
		paths = append(paths, filepath.Join(dir, libName))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		paths = append(paths,
			filepath.Join(moduleRoot, "build", libName),
			filepath.Join(moduleRoot, "build", "ffi", libName),
		)
	}

	return append(paths,
		libName,
		"/usr/local/lib/"+libName,
		"/usr/lib/"+libName,
	)
}
