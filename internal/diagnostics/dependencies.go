// Package diagnostics checks the host before the daemon starts serving.
package diagnostics

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

var (
	lookPath = exec.LookPath
	listen   = net.Listen
)

type BinaryStatus struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

type DependencyReport struct {
	FFmpeg  BinaryStatus `json:"ffmpeg"`
	FFprobe BinaryStatus `json:"ffprobe"`
	// AllRequiredPresent is false when video durations cannot be probed.
	AllRequiredPresent bool `json:"all_required_present"`
}

func DetectDependencies() DependencyReport {
	ffmpeg := detectBinary("ffmpeg")
	ffprobe := detectBinary("ffprobe")

	return DependencyReport{
		FFmpeg:             ffmpeg,
		FFprobe:            ffprobe,
		AllRequiredPresent: ffmpeg.Found,
	}
}

func detectBinary(name string) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Found: false}
	}

	return BinaryStatus{
		Found: true,
		Path:  path,
	}
}

type Inputs struct {
	LibraryDir   string
	DatabasePath string
	MediaHost    string
	MediaPort    int
}

type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type Report struct {
	Dependencies DependencyReport `json:"dependencies"`
	Checks       []Check          `json:"checks"`
	OK           bool             `json:"ok"`
}

// SelfTest runs every check and reports all of them; OK is the conjunction.
func SelfTest(in Inputs) Report {
	deps := DetectDependencies()
	checks := []Check{
		{Name: "ffmpeg", OK: deps.FFmpeg.Found, Detail: deps.FFmpeg.Path},
		checkLibrary(in.LibraryDir),
		checkDatabaseDir(in.DatabasePath),
		checkMediaPort(in.MediaHost, in.MediaPort),
	}
	if !deps.FFmpeg.Found {
		checks[0].Detail = "ffmpeg not found in PATH; video durations will be unknown"
	}

	ok := true
	for _, c := range checks {
		ok = ok && c.OK
	}
	return Report{Dependencies: deps, Checks: checks, OK: ok}
}

func checkLibrary(dir string) Check {
	c := Check{Name: "library", Detail: dir}
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		c.Detail = err.Error()
	case !info.IsDir():
		c.Detail = fmt.Sprintf("%s is not a directory", dir)
	default:
		c.OK = true
	}
	return c
}

func checkDatabaseDir(path string) Check {
	dir := filepath.Dir(path)
	c := Check{Name: "database", Detail: dir}
	f, err := os.CreateTemp(dir, ".castkeeper-selftest-*")
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	c.OK = true
	return c
}

func checkMediaPort(host string, port int) Check {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c := Check{Name: "media_port", Detail: addr}
	ln, err := listen("tcp", addr)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	_ = ln.Close()
	c.OK = true
	return c
}
