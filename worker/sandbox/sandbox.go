// Package sandbox executes submitted code on the worker machine. Two
// executors share the same contract: a container executor backed by the
// Docker engine and a restricted subprocess fallback for hosts without it.
package sandbox

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/campusgrid/campusgrid/protocol"
)

// Spec is everything an executor needs to run one job
type Spec struct {
	JobID          string
	Code           string
	Requirements   string
	CPUCores       int
	RAMGB          float64
	TimeoutSeconds int
}

// Limits caps what a job may produce
type Limits struct {
	Image            string
	MaxStdoutBytes   int
	MaxArtifactBytes int
	PidsLimit        int64
}

// Result is what an executor hands back for delivery to the coordinator
type Result struct {
	Outcome string
	Reason  string
	Stdout  string
	Stderr  string
	Files   []protocol.File
	Mode    string
	Elapsed time.Duration
}

// Executor runs one job to completion within the spec's timeout
type Executor interface {
	Run(ctx context.Context, spec *Spec) (*Result, error)
	Mode() string
}

const (
	scriptName       = "main.py"
	requirementsName = "requirements.txt"
	outputDirName    = "output"
)

// stageJob materialises the job under a throwaway directory: the script,
// optional requirements and an empty output directory the job writes
// artifacts into. The caller removes the directory when done.
func stageJob(spec *Spec) (jobDir, outDir string, err error) {
	jobDir, err = os.MkdirTemp("", "campusgrid-job-")
	if err != nil {
		return "", "", errors.Wrap(err, "unable to create job dir")
	}
	cleanup := func() { os.RemoveAll(jobDir) }

	if err = os.WriteFile(filepath.Join(jobDir, scriptName), []byte(spec.Code), 0o644); err != nil {
		cleanup()
		return "", "", errors.Wrap(err, "unable to write job script")
	}
	if spec.Requirements != "" {
		if err = os.WriteFile(filepath.Join(jobDir, requirementsName),
			[]byte(spec.Requirements), 0o644); err != nil {
			cleanup()
			return "", "", errors.Wrap(err, "unable to write requirements")
		}
	}
	outDir = filepath.Join(jobDir, outputDirName)
	if err = os.Mkdir(outDir, 0o777); err != nil {
		cleanup()
		return "", "", errors.Wrap(err, "unable to create output dir")
	}
	return jobDir, outDir, nil
}

// collectArtifacts gathers regular files from the output directory in name
// order, base64 encoded, stopping once the total cap would be exceeded.
// It reports whether anything was dropped.
func collectArtifacts(outDir string, maxTotal int) ([]protocol.File, bool) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []protocol.File
	var total int
	dropped := false
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(outDir, e.Name()))
		if err != nil {
			continue
		}
		if maxTotal > 0 && total+len(raw) > maxTotal {
			dropped = true
			continue
		}
		total += len(raw)
		out = append(out, protocol.File{
			Name:     e.Name(),
			BytesB64: base64.StdEncoding.EncodeToString(raw),
			Size:     int64(len(raw)),
		})
	}
	return out, dropped
}

// boundedBuffer keeps the first max bytes written and discards the rest
type boundedBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	s := string(b.buf)
	if b.truncated {
		s += "\n[output truncated]"
	}
	return s
}
