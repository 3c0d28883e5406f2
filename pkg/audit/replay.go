package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidemark-io/tidemark/pkg/canonical"
)

// ReadRun returns all events for a run id in append order. Reading is
// side-effect free: replaying twice yields the same ordered list.
func ReadRun(path, runID string) ([]Event, error) {
	var events []Event
	err := scanLog(path, func(line []byte) error {
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			// Malformed lines are skipped here and reported by VerifyChain.
			return nil
		}
		if e.RunID == runID {
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// VerifyChain walks the whole log and checks the prev-hash chain.
// It returns the number of verified lines, or the first break found.
func VerifyChain(path string) (int, error) {
	prevHash := GenesisHash
	count := 0
	err := scanLog(path, func(line []byte) error {
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("line %d: malformed event: %w", count+1, err)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("line %d: chain break (expected prev_hash %s, got %s)", count+1, prevHash, e.PrevHash)
		}
		prevHash = canonical.HashBytes(line)
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	return count, nil
}

func scanLog(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: read log: %w", err)
	}
	return nil
}
