package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// DiffProvider returns the current diff of a path, or "" when there is none.
type DiffProvider func(ctx context.Context, path string) (string, error)

// GitDiff returns a DiffProvider that runs `git diff` inside repoDir.
func GitDiff(repoDir string) DiffProvider {
	return func(ctx context.Context, path string) (string, error) {
		cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "diff", "--no-color", "--", path)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("git diff %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}
}

type editInput struct {
	FilePath     string `json:"file_path"`
	Path         string `json:"path"`
	NotebookPath string `json:"notebook_path"`
	OldString    string `json:"old_string"`
	NewString    string `json:"new_string"`
	Content      string `json:"content"`
	NewSource    string `json:"new_source"`
	Edits        []struct {
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	} `json:"edits"`
}

func parseInput(raw json.RawMessage) editInput {
	var in editInput
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &in)
	}
	return in
}

func (in editInput) path() string {
	switch {
	case in.FilePath != "":
		return in.FilePath
	case in.Path != "":
		return in.Path
	default:
		return in.NotebookPath
	}
}

// inlineDiff builds a unified diff from the tool input alone. ok is false
// when the input carries nothing to diff.
func (in editInput) inlineDiff(path string) (diff string, ok bool) {
	switch {
	case len(in.Edits) > 0:
		var b strings.Builder
		for _, e := range in.Edits {
			b.WriteString(unified(path, e.OldString, e.NewString))
		}
		return b.String(), true
	case in.OldString != "" || in.NewString != "":
		return unified(path, in.OldString, in.NewString), true
	case in.Content != "":
		return unified(path, "", in.Content), true
	case in.NewSource != "":
		return unified(path, "", in.NewSource), true
	}
	return "", false
}

func unified(path, before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

// countLines returns the added and removed line counts of a unified diff.
func countLines(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

const truncatedMarker = "\n... diff truncated\n"

// truncate bounds a diff by line count and then by bytes.
func truncate(diff string, maxLines, maxBytes int) string {
	cut := false
	if maxLines > 0 {
		lines := strings.SplitAfter(diff, "\n")
		if len(lines) > maxLines {
			diff = strings.Join(lines[:maxLines], "")
			cut = true
		}
	}
	if maxBytes > 0 && len(diff) > maxBytes {
		diff = diff[:maxBytes]
		// Drop a rune split by the cut.
		for len(diff) > 0 {
			r, size := utf8.DecodeLastRuneInString(diff)
			if r != utf8.RuneError || size > 1 {
				break
			}
			diff = diff[:len(diff)-1]
		}
		cut = true
	}
	if cut {
		return strings.TrimRight(diff, "\n") + truncatedMarker
	}
	return diff
}
