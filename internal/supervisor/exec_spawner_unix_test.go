//go:build unix

package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
)

// processGone reports whether pid has exited. A zombie waiting for its
// reaper counts as gone.
func processGone(pid int) bool {
	if err := unix.Kill(pid, 0); err == unix.ESRCH {
		return true
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return os.IsNotExist(err)
	}
	return strings.Contains(string(stat), ") Z ")
}

func TestExecSpawnerKillsUnresponsiveProcessGroup(t *testing.T) {
	sh := "/bin/sh"
	if _, err := os.Stat(sh); err != nil {
		t.Skip("no /bin/sh")
	}

	// The worker ignores its queues and leaves a child behind in its group.
	pidFile := filepath.Join(t.TempDir(), "pids")
	script := `sleep 30 & echo $$ $! > "$1"; wait`
	sup := New(Options{
		Spawner: &ExecSpawner{
			Binary: sh,
			Args:   func(share.Protocol) []string { return []string{"-c", script, "sh", pidFile} },
		},
		Registry:    share.NewRegistry(""),
		StopTimeout: 300 * time.Millisecond,
	})
	require.NoError(t, sup.Start(share.HTTP))

	var pids []int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return false
		}
		pids = pids[:0]
		for _, f := range fields {
			pid, err := strconv.Atoi(f)
			if err != nil {
				return false
			}
			pids = append(pids, pid)
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	returnsWithin(t, 5*time.Second, "CloseAll", sup.CloseAll)
	assert.Empty(t, sup.Running())
	for _, pid := range pids {
		pid := pid
		assert.Eventually(t, func() bool { return processGone(pid) }, 3*time.Second, 20*time.Millisecond, "pid %d", pid)
	}
}
