package proc

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Orphan cleanup finds tagged child processes left behind by a crashed
// supervisor. Tagged specs carry the channel marker on the command line
// (see ChannelMarkerFlag), so the process table can be matched against
// the set of channel ids a live orchestrator knows about.

// OrphanProcess represents a tagged agent process found on the system.
type OrphanProcess struct {
	PID       int    // Process ID
	ChannelID string // Channel id extracted from the marker argument
	Command   string // Full command line
}

// FindOrphans finds tagged agent processes whose channel id is not in
// the provided set of known (live) channel ids.
func FindOrphans(knownChannelIDs map[string]bool) ([]OrphanProcess, error) {
	all, err := findTaggedProcesses()
	if err != nil {
		return nil, err
	}

	var orphans []OrphanProcess
	for _, p := range all {
		if p.ChannelID != "" && !knownChannelIDs[p.ChannelID] {
			orphans = append(orphans, p)
		}
	}
	return orphans, nil
}

// CleanupOrphans kills every tagged process that doesn't match a known
// channel id. Returns the number of processes killed.
func CleanupOrphans(knownChannelIDs map[string]bool) (int, error) {
	orphans, err := FindOrphans(knownChannelIDs)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, p := range orphans {
		if err := KillProcess(p.PID); err != nil {
			continue
		}
		killed++
	}
	return killed, nil
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
	case "windows":
		return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
	}
	return nil
}

// findTaggedProcesses lists processes carrying the channel marker.
func findTaggedProcesses() ([]OrphanProcess, error) {
	var processes []OrphanProcess

	switch runtime.GOOS {
	case "darwin", "linux":
		// "--" stops pgrep from parsing the marker (which starts with
		// "--") as one of its own options.
		cmd := exec.Command("pgrep", "-f", "--", ChannelMarkerFlag)
		output, err := cmd.Output()
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		for _, pidStr := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}

			psCmd := exec.Command("ps", "-p", pidStr, "-o", "args=")
			psOutput, err := psCmd.Output()
			if err != nil {
				continue
			}

			cmdLine := strings.TrimSpace(string(psOutput))
			processes = append(processes, OrphanProcess{
				PID:       pid,
				ChannelID: ExtractChannelID(cmdLine),
				Command:   cmdLine,
			})
		}
	}

	return processes, nil
}

// ExtractChannelID extracts the channel id from a tagged command line.
// Returns empty string if the marker is absent or bare.
func ExtractChannelID(cmdLine string) string {
	_, after, ok := strings.Cut(cmdLine, ChannelMarkerFlag)
	if !ok {
		return ""
	}

	rest := strings.TrimLeft(after, " =")
	fields := strings.Fields(rest)
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}
