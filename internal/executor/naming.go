package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContainerName derives the deterministic container/job name spec.md §4.3
// requires: SHA256(worker_task_id ‖ purpose ‖ executable ‖ args), so a
// re-spawn after a crash can identify and reap a stale container. purpose
// disambiguates the scratch executors (lcov replay, crash validate, dedup
// compare) a FuzzDriver spins up alongside its own main executor for the
// same worker_task_id; the main executor always passes purpose="".
func ContainerName(workerTaskID int64, purpose, exe string, args []string) string {
	h := sha256.New()
	h.Write([]byte{byte(workerTaskID), byte(workerTaskID >> 8), byte(workerTaskID >> 16), byte(workerTaskID >> 24)})
	h.Write([]byte(purpose))
	h.Write([]byte(exe))
	h.Write([]byte(strings.Join(args, "\x00")))
	return "fuzzfleet-" + hex.EncodeToString(h.Sum(nil))[:32]
}
