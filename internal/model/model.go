// Package model reads the static per-analysis-type model weight/bias share
// files the task manager prepends to every shares file before invoking the
// inference binary.
//
// Grounded on original_source/mpc/task_manager.py's read_model_from_file,
// which globs "model_shares<N>.txt" / "biases_shares<N>.txt" for this
// party's index N and parses one (hi, lo) pair per line.
package model

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/summitto/heartbeat-compute-party/internal/sharescodec"
)

// Weights holds one analysis type's replicated weight and bias shares for
// this party, in the order the inference binary expects them prepended to
// the shares file.
type Weights struct {
	Shares []sharescodec.Pair
	Biases []sharescodec.Pair
}

// Load reads model_shares<partyIndex>.txt and biases_shares<partyIndex>.txt
// from dir/analysisType.
func Load(dir, analysisType string, partyIndex int) (Weights, error) {
	base := filepath.Join(dir, analysisType)

	shares, err := readShareFile(filepath.Join(base, fmt.Sprintf("model_shares%d.txt", partyIndex)))
	if err != nil {
		return Weights{}, fmt.Errorf("model: reading weights for %s: %w", analysisType, err)
	}
	biases, err := readShareFile(filepath.Join(base, fmt.Sprintf("biases_shares%d.txt", partyIndex)))
	if err != nil {
		return Weights{}, fmt.Errorf("model: reading biases for %s: %w", analysisType, err)
	}
	return Weights{Shares: shares, Biases: biases}, nil
}

// readShareFile parses one "hi lo" decimal pair per line.
func readShareFile(path string) ([]sharescodec.Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var out []sharescodec.Pair
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expected 2 fields, got %d", path, lineNo, len(fields))
		}
		hi, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parsing first share: %w", path, lineNo, err)
		}
		lo, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parsing second share: %w", path, lineNo, err)
		}
		out = append(out, sharescodec.Pair{hi, lo})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return out, nil
}
