package validation

import (
	"os"
	"path/filepath"
	"strings"
)

// Commands holds the argv of each stage. An empty argv means the stage has nothing to run.
type Commands struct {
	Lint  []string `json:"lint,omitempty"`
	Test  []string `json:"test,omitempty"`
	Build []string `json:"build,omitempty"`
}

// For returns the argv for stage.
func (c Commands) For(stage Stage) []string {
	switch stage {
	case StageLint:
		return c.Lint
	case StageTest:
		return c.Test
	case StageBuild:
		return c.Build
	}
	return nil
}

// Merge returns c with every non-empty stage of override applied.
func (c Commands) Merge(override Commands) Commands {
	if len(override.Lint) > 0 {
		c.Lint = override.Lint
	}
	if len(override.Test) > 0 {
		c.Test = override.Test
	}
	if len(override.Build) > 0 {
		c.Build = override.Build
	}
	return c
}

// Complete reports whether every stage has a command.
func (c Commands) Complete() bool {
	return len(c.Lint) > 0 && len(c.Test) > 0 && len(c.Build) > 0
}

// Backend knows how to validate one kind of project.
type Backend interface {
	// Name returns the backend name for logging and reports.
	Name() string
	// Detect determines if this backend applies to the given project root.
	Detect(root string) bool
	// Commands returns the stage commands for the project.
	Commands() Commands
}

// BackendPriority defines the priority order for backend detection.
type BackendPriority int

const (
	// PriorityHigh is for specific project types (go.mod, package.json, etc.).
	PriorityHigh BackendPriority = 100
	// PriorityMedium is for generic build files (Makefile).
	PriorityMedium BackendPriority = 50
	// PriorityLow is for the empty-repository fallback.
	PriorityLow BackendPriority = 10
)

func fileExists(root string, names ...string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return true
		}
	}
	return false
}

func containsExt(dir string, exts ...string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		for _, ext := range exts {
			if strings.HasSuffix(entry.Name(), ext) {
				return true
			}
		}
	}
	return false
}

// GoBackend handles Go modules.
type GoBackend struct{}

// Name returns the backend name.
func (GoBackend) Name() string { return "go" }

// Detect checks for go.mod.
func (GoBackend) Detect(root string) bool { return fileExists(root, "go.mod") }

// Commands runs vet, the test suite and a full build.
func (GoBackend) Commands() Commands {
	return Commands{
		Lint:  []string{"go", "vet", "./..."},
		Test:  []string{"go", "test", "./..."},
		Build: []string{"go", "build", "./..."},
	}
}

// PythonBackend handles Python projects.
type PythonBackend struct{}

// Name returns the backend name.
func (PythonBackend) Name() string { return "python" }

// Detect looks for Python project files, then for .py files in common source dirs.
func (PythonBackend) Detect(root string) bool {
	if fileExists(root, "pyproject.toml", "requirements.txt", "setup.py", "Pipfile", "poetry.lock") {
		return true
	}
	for _, dir := range []string{"src", "lib", "app"} {
		if containsExt(filepath.Join(root, dir), ".py") {
			return true
		}
	}
	return containsExt(root, ".py")
}

// Commands uses ruff and pytest; build byte-compiles the tree.
func (PythonBackend) Commands() Commands {
	return Commands{
		Lint:  []string{"ruff", "check", "."},
		Test:  []string{"python3", "-m", "pytest", "-q"},
		Build: []string{"python3", "-m", "compileall", "-q", "."},
	}
}

// NodeBackend handles Node.js projects.
type NodeBackend struct{}

// Name returns the backend name.
func (NodeBackend) Name() string { return "node" }

// Detect checks for package.json or a lock file.
func (NodeBackend) Detect(root string) bool {
	return fileExists(root, "package.json", "package-lock.json", "yarn.lock", "pnpm-lock.yaml")
}

// Commands runs the package scripts.
func (NodeBackend) Commands() Commands {
	return Commands{
		Lint:  []string{"npm", "run", "lint"},
		Test:  []string{"npm", "test"},
		Build: []string{"npm", "run", "build"},
	}
}

// MakeBackend handles projects with a Makefile.
type MakeBackend struct{}

// Name returns the backend name.
func (MakeBackend) Name() string { return "make" }

// Detect checks if a Makefile exists in the project root.
func (MakeBackend) Detect(root string) bool {
	return fileExists(root, "Makefile", "makefile", "GNUmakefile")
}

// Commands runs the lint, test and build targets.
func (MakeBackend) Commands() Commands {
	return Commands{
		Lint:  []string{"make", "lint"},
		Test:  []string{"make", "test"},
		Build: []string{"make", "build"},
	}
}

// NullBackend applies to empty repositories. Its stages have nothing to run.
type NullBackend struct{}

// Name returns the backend name.
func (NullBackend) Name() string { return "null" }

// Detect returns true only for empty directories (a .git directory is ignored).
func (NullBackend) Detect(root string) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Name() != ".git" {
			return false
		}
	}
	return true
}

// Commands is empty.
func (NullBackend) Commands() Commands { return Commands{} }
