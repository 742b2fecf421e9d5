// Package initcmd scaffolds the files a project needs before its first
// build: the project config, a starter backlog and ignore rules for the
// state foundry writes under .foundry.
package initcmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/aymanbagabas/go-udiff"
)

// ErrHasChanges is returned when existing files differ and Force is unset.
var ErrHasChanges = errors.New("files have changes (use --force to overwrite)")

// Options configures the init command behavior.
type Options struct {
	Dir           string // Project root (defaults to ".")
	SandboxID     string // Written into the config (defaults to the root's base name)
	DevServerPort int    // Defaults to 5173
	DryRun        bool
	Force         bool
	Minimal       bool      // Skip the starter backlog
	Writer        io.Writer // Output writer (defaults to os.Stdout)
}

// InstallFile represents a file to be installed.
type InstallFile struct {
	Path     string // Relative to the project root
	Content  string
	IsAppend bool // Maintain a managed section instead of replacing the file
}

// Result contains the outcome of the init operation.
type Result struct {
	TargetDir   string
	Created     []string
	Appended    []string
	Skipped     []string
	Unchanged   []string
	Overwritten []string
}

// FileStatus represents the status of a file to be installed.
type FileStatus struct {
	Path      string
	Exists    bool
	Unchanged bool
	Diff      string // Unified diff if changed
}

// BuildFileList renders the templates with vars. Every {{ NAME }} marker
// must have a value.
func BuildFileList(vars map[string]string, minimal bool) ([]InstallFile, error) {
	render := func(name string) (string, error) {
		out, err := replaceMarkers(MustReadTemplate(name), vars)
		if err != nil {
			return "", fmt.Errorf("template %s: %w", name, err)
		}
		return out, nil
	}

	cfg, err := render("config.yaml")
	if err != nil {
		return nil, err
	}
	files := []InstallFile{
		{Path: filepath.Join(".foundry", "config.yaml"), Content: cfg},
		{Path: ".gitignore", Content: strings.TrimSpace(MustReadTemplate("gitignore")) + "\n", IsAppend: true},
	}

	if !minimal {
		bl, err := render("backlog.yaml")
		if err != nil {
			return nil, err
		}
		files = append(files, InstallFile{Path: "backlog.yaml", Content: bl})
	}
	return files, nil
}

// Run executes the init command with the given options.
func Run(opts Options) (*Result, error) {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	targetDir, err := filepath.Abs(firstNonEmpty(opts.Dir, "."))
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	if opts.SandboxID == "" {
		opts.SandboxID = filepath.Base(targetDir)
	}
	if opts.DevServerPort == 0 {
		opts.DevServerPort = 5173
	}

	files, err := BuildFileList(map[string]string{
		"SANDBOX_ID":      opts.SandboxID,
		"DEV_SERVER_PORT": strconv.Itoa(opts.DevServerPort),
	}, opts.Minimal)
	if err != nil {
		return nil, err
	}
	statuses := checkFileStatuses(targetDir, files)

	if opts.DryRun {
		return showDryRun(opts.Writer, targetDir, files, statuses)
	}

	for _, s := range statuses {
		if s.Exists && !s.Unchanged && !opts.Force {
			return showChanges(opts.Writer, targetDir, statuses)
		}
	}
	return installFiles(opts.Writer, targetDir, files, statuses, opts.Force)
}

// checkFileStatuses compares each replaceable file with what is on disk.
func checkFileStatuses(targetDir string, files []InstallFile) []FileStatus {
	var statuses []FileStatus
	for _, f := range files {
		if f.IsAppend {
			continue
		}
		status := FileStatus{Path: f.Path}
		existing, err := os.ReadFile(filepath.Join(targetDir, f.Path))
		if err == nil {
			status.Exists = true
			if string(existing) == f.Content {
				status.Unchanged = true
			} else {
				status.Diff = udiff.Unified("existing", "new", string(existing), f.Content)
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// sectionState reports how an append file's managed section compares with
// content: "current", "stale", "missing" in an existing file, or "new".
func sectionState(path, content string) (state, existing string, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "new", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	existing = string(data)
	current, ok := managedSection(existing)
	switch {
	case !ok:
		return "missing", existing, nil
	case strings.TrimSpace(current) == strings.TrimSpace(content):
		return "current", existing, nil
	default:
		return "stale", existing, nil
	}
}

func showDryRun(w io.Writer, targetDir string, files []InstallFile, statuses []FileStatus) (*Result, error) {
	_, _ = fmt.Fprintln(w, "DRY RUN - No changes will be made")
	_, _ = fmt.Fprintln(w)

	result := &Result{TargetDir: targetDir}
	statusMap := make(map[string]FileStatus, len(statuses))
	for _, s := range statuses {
		statusMap[s.Path] = s
	}

	for _, f := range files {
		path := filepath.Join(targetDir, f.Path)

		if f.IsAppend {
			state, _, err := sectionState(path, f.Content)
			if err != nil {
				return result, err
			}
			switch state {
			case "current":
				_, _ = fmt.Fprintf(w, "Already up to date: %s\n", path)
				result.Unchanged = append(result.Unchanged, f.Path)
			case "stale":
				_, _ = fmt.Fprintf(w, "Would update managed section: %s\n", path)
				result.Appended = append(result.Appended, f.Path)
			case "missing":
				_, _ = fmt.Fprintf(w, "Would append to: %s\n", path)
				result.Appended = append(result.Appended, f.Path)
			default:
				_, _ = fmt.Fprintf(w, "Would create: %s\n", path)
				result.Created = append(result.Created, f.Path)
			}
			continue
		}

		status := statusMap[f.Path]
		switch {
		case status.Exists && status.Unchanged:
			_, _ = fmt.Fprintf(w, "Already up to date: %s\n", path)
			result.Unchanged = append(result.Unchanged, f.Path)
		case status.Exists:
			_, _ = fmt.Fprintf(w, "Would overwrite (has changes): %s\n", path)
			_, _ = fmt.Fprintln(w, status.Diff)
			result.Skipped = append(result.Skipped, f.Path)
		default:
			_, _ = fmt.Fprintf(w, "Would create: %s\n", path)
			_, _ = fmt.Fprintln(w, "--- BEGIN FILE ---")
			_, _ = fmt.Fprint(w, f.Content)
			_, _ = fmt.Fprintln(w, "--- END FILE ---")
			_, _ = fmt.Fprintln(w)
			result.Created = append(result.Created, f.Path)
		}
	}

	_, _ = fmt.Fprintln(w, "Run without --dry-run to apply changes.")
	return result, nil
}

// showChanges prints the diffs that block a non-forced install.
func showChanges(w io.Writer, targetDir string, statuses []FileStatus) (*Result, error) {
	result := &Result{TargetDir: targetDir}

	_, _ = fmt.Fprintln(w, "The following files have changes:")
	_, _ = fmt.Fprintln(w)
	for _, s := range statuses {
		switch {
		case s.Exists && !s.Unchanged:
			_, _ = fmt.Fprintf(w, "%s:\n", filepath.Join(targetDir, s.Path))
			_, _ = fmt.Fprintln(w, s.Diff)
			result.Skipped = append(result.Skipped, s.Path)
		case s.Exists:
			result.Unchanged = append(result.Unchanged, s.Path)
		}
	}

	_, _ = fmt.Fprintln(w, "Use --force to overwrite changed files.")
	return result, ErrHasChanges
}

func installFiles(w io.Writer, targetDir string, files []InstallFile, statuses []FileStatus, force bool) (*Result, error) {
	result := &Result{TargetDir: targetDir}
	statusMap := make(map[string]FileStatus, len(statuses))
	for _, s := range statuses {
		statusMap[s.Path] = s
	}

	for _, f := range files {
		path := filepath.Join(targetDir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return result, fmt.Errorf("create directory %s: %w", filepath.Dir(path), err)
		}

		if f.IsAppend {
			state, existing, err := sectionState(path, f.Content)
			if err != nil {
				return result, err
			}
			if state == "current" {
				_, _ = fmt.Fprintf(w, "Already up to date: %s\n", path)
				result.Unchanged = append(result.Unchanged, f.Path)
				continue
			}
			if err := os.WriteFile(path, []byte(handleManagedSection(existing, f.Content)), 0644); err != nil {
				return result, fmt.Errorf("write %s: %w", path, err)
			}
			switch state {
			case "stale":
				_, _ = fmt.Fprintf(w, "Updated: %s\n", path)
			case "missing":
				_, _ = fmt.Fprintf(w, "Appended: %s\n", path)
			default:
				_, _ = fmt.Fprintf(w, "Created: %s\n", path)
			}
			result.Appended = append(result.Appended, f.Path)
			continue
		}

		status := statusMap[f.Path]
		switch {
		case status.Exists && status.Unchanged:
			_, _ = fmt.Fprintf(w, "Already up to date: %s\n", path)
			result.Unchanged = append(result.Unchanged, f.Path)
		case status.Exists && !force:
			_, _ = fmt.Fprintf(w, "Skipped (has changes): %s\n", path)
			result.Skipped = append(result.Skipped, f.Path)
		default:
			if err := os.WriteFile(path, []byte(f.Content), 0644); err != nil {
				return result, fmt.Errorf("write %s: %w", path, err)
			}
			if status.Exists {
				_, _ = fmt.Fprintf(w, "Overwritten: %s\n", path)
				result.Overwritten = append(result.Overwritten, f.Path)
			} else {
				_, _ = fmt.Fprintf(w, "Created: %s\n", path)
				result.Created = append(result.Created, f.Path)
			}
		}
	}

	_, _ = fmt.Fprintln(w)
	if len(result.Created)+len(result.Appended)+len(result.Overwritten) == 0 {
		_, _ = fmt.Fprintln(w, "Project is already initialized.")
		return result, nil
	}
	_, _ = fmt.Fprintln(w, "Project initialized.")
	_, _ = fmt.Fprintln(w, "Edit backlog.yaml, then run 'foundry run backlog.yaml' to build it.")
	return result, nil
}

const (
	managedSectionBegin = "# <foundry-managed>"
	managedSectionEnd   = "# </foundry-managed>"
)

// managedSection returns the marked section of content, markers included.
func managedSection(content string) (string, bool) {
	begin := strings.Index(content, managedSectionBegin)
	end := strings.Index(content, managedSectionEnd)
	if begin < 0 || end < begin {
		return "", false
	}
	return content[begin : end+len(managedSectionEnd)], true
}

// handleManagedSection replaces the content between the markers, or
// appends the section when the markers are absent.
func handleManagedSection(existingContent, newSection string) string {
	newSection = strings.TrimRight(newSection, "\n")
	beginIdx := strings.Index(existingContent, managedSectionBegin)
	endIdx := strings.Index(existingContent, managedSectionEnd)

	if beginIdx >= 0 && endIdx > beginIdx {
		before := strings.TrimRight(existingContent[:beginIdx], "\n")
		after := strings.TrimLeft(existingContent[endIdx+len(managedSectionEnd):], "\n")

		out := newSection
		if before != "" {
			out = before + "\n\n" + out
		}
		if after != "" {
			out += "\n\n" + strings.TrimRight(after, "\n")
		}
		return out + "\n"
	}

	if existingContent != "" {
		return strings.TrimRight(existingContent, "\n") + "\n\n" + newSection + "\n"
	}
	return newSection + "\n"
}

var markerRegex = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// replaceMarkers substitutes {{ NAME }} placeholders with vars. Unknown
// markers are an error.
func replaceMarkers(content string, vars map[string]string) (string, error) {
	var missing []string
	result := markerRegex.ReplaceAllStringFunc(content, func(match string) string {
		name := markerRegex.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved markers: %v", missing)
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
