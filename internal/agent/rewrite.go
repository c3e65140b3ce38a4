package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// shellLikeInterpreters are the command heads whose arguments may carry
// container-style paths worth rewriting.
var shellLikeInterpreters = map[string]bool{
	"sh":      true,
	"bash":    true,
	"zsh":     true,
	"dash":    true,
	"python":  true,
	"python3": true,
	"node":    true,
	"ruby":    true,
	"perl":    true,
}

func isShellLike(cmd string) bool {
	base := filepath.Base(cmd)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	// python3.12 and friends
	base = strings.TrimRightFunc(base, func(r rune) bool { return r >= '0' && r <= '9' })
	return shellLikeInterpreters[base] || shellLikeInterpreters[filepath.Base(cmd)]
}

// RewriteCommand maps container-layout paths onto the job's local scratch
// directories. Jobs authored against an image with /input and /output
// mounts keep working when run as a native subprocess. The input command is
// not mutated.
func RewriteCommand(command []string, inputDir, outputDir string) []string {
	if len(command) < 2 || !isShellLike(command[0]) {
		return command
	}
	out := make([]string, len(command))
	copy(out, command)
	for i := 1; i < len(out); i++ {
		out[i] = rewritePath(out[i], inputDir, outputDir)
	}
	return out
}

func rewritePath(arg, inputDir, outputDir string) string {
	switch {
	case arg == "/input":
		return inputDir
	case arg == "/output":
		return outputDir
	case strings.HasPrefix(arg, "/input/"):
		return filepath.Join(inputDir, strings.TrimPrefix(arg, "/input/"))
	case strings.HasPrefix(arg, "/output/"):
		return filepath.Join(outputDir, strings.TrimPrefix(arg, "/output/"))
	}
	return arg
}

// ResolveScript finds the script a command references when the given path
// does not exist locally. Lookup order: the test-jobs directory deployed
// beside the agent, then the job's input directory, then the path as given.
func ResolveScript(path, testJobsDir, inputDir string) string {
	if path == "" || fileExists(path) {
		return path
	}
	base := filepath.Base(path)
	if testJobsDir != "" {
		if cand := filepath.Join(testJobsDir, base); fileExists(cand) {
			return cand
		}
	}
	if inputDir != "" {
		if cand := filepath.Join(inputDir, base); fileExists(cand) {
			return cand
		}
	}
	return path
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
