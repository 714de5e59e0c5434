package verify

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/shell"
)

// ImportLine is an `import X` or `from X import Y` line found in the source.
type ImportLine struct {
	Num  int    // 1-based line number
	Text string // original line text
	Root string // root package name
}

// MagicLine is a `%...` or `!...` shell/magic line found in the source.
type MagicLine struct {
	Num     int
	Text    string
	Args    []string // shell-split words after the %/! prefix
	Install bool     // true for pip/conda install requests
}

// Source is the result of preprocessing a code block: import and magic
// lines are extracted and blanked out so the remainder parses as plain
// interpreter code with line numbers preserved.
type Source struct {
	Code    string // original code with import/magic lines blanked
	Lines   []string
	Imports []ImportLine
	Magics  []MagicLine
}

var (
	importRe     = regexp.MustCompile(`^\s*import\s+([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s+import\b`)
	magicRe      = regexp.MustCompile(`^\s*[%!]+\s*(.*)$`)
)

// Preprocess splits code into interpreter code, import lines, and magic
// lines. Blanked lines keep their position so diagnostics report the
// original line numbers.
func Preprocess(code string) *Source {
	lines := strings.Split(code, "\n")
	src := &Source{Lines: lines}

	out := make([]string, len(lines))
	for i, line := range lines {
		num := i + 1
		switch {
		case fromImportRe.MatchString(line):
			root := rootPackage(fromImportRe.FindStringSubmatch(line)[1])
			src.Imports = append(src.Imports, ImportLine{Num: num, Text: line, Root: root})
		case importRe.MatchString(line):
			// `import a.b, c` names several packages on one line.
			for _, root := range importRoots(line) {
				src.Imports = append(src.Imports, ImportLine{Num: num, Text: line, Root: root})
			}
		case magicRe.MatchString(line):
			body := magicRe.FindStringSubmatch(line)[1]
			args := splitMagic(body)
			src.Magics = append(src.Magics, MagicLine{
				Num:     num,
				Text:    line,
				Args:    args,
				Install: isInstall(args),
			})
		default:
			out[i] = line
		}
	}
	src.Code = strings.Join(out, "\n")
	return src
}

// importRoots extracts every root package named on an `import ...` line.
func importRoots(line string) []string {
	rest := strings.TrimSpace(line)
	rest = strings.TrimPrefix(rest, "import")
	var roots []string
	for _, part := range strings.Split(rest, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		roots = append(roots, rootPackage(fields[0]))
	}
	return roots
}

func rootPackage(dotted string) string {
	if i := strings.IndexByte(dotted, '.'); i >= 0 {
		return dotted[:i]
	}
	return dotted
}

// splitMagic tokenizes a magic line body with shell word splitting, so
// quoted arguments such as `pip install "pkg==1.0"` stay intact.
func splitMagic(body string) []string {
	args, err := shell.Fields(body, nil)
	if err != nil {
		return strings.Fields(body)
	}
	return args
}

// isInstall reports whether a magic invocation is a package install
// request (`pip install ...` or `conda install ...`).
func isInstall(args []string) bool {
	if len(args) < 2 {
		return false
	}
	switch args[0] {
	case "pip", "pip3", "conda":
	default:
		return false
	}
	for _, a := range args[1:] {
		if a == "install" {
			return true
		}
		if !strings.HasPrefix(a, "-") {
			return false
		}
	}
	return false
}
