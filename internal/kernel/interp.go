package kernel

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/runspace/runspace/pkg/types"
)

// snapshotIgnore are namespace entries never reported as session
// variables: interpreter internals plus the aliases notebooks
// conventionally reserve for libraries.
var snapshotIgnore = map[string]bool{
	"In":           true,
	"Out":          true,
	"exit":         true,
	"quit":         true,
	"get_ipython":  true,
	"pd":           true,
	"np":           true,
	"plt":          true,
	"sns":          true,
	"__builtins__": true,
}

const maxRenderLen = 500

// fileOptions is the dialect accepted from user code: mutable sets,
// while loops, top-level control flow, global reassignment, recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Interp is a per-session interpreter instance. It owns the session
// namespace, the session variable store, and the plugin bindings, and
// produces one ExecutionResult per Execute call. It is not safe for
// concurrent use; the runner serializes access.
type Interp struct {
	cwd         string
	globals     starlark.StringDict
	sessionVars map[string]string
	plugins     []string
	pluginSet   map[string]bool
	artifactSeq int

	cur *execCapture
}

// execCapture accumulates the observable side effects of one execution.
type execCapture struct {
	stdout    []string
	stderr    []string
	logs      []types.LogEntry
	artifacts []types.Artifact
	emit      func(stream, text string)
}

// NewInterp creates an interpreter rooted at cwd. The directory must
// exist and be writable.
func NewInterp(cwd string) (*Interp, error) {
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("interp cwd %q: not a directory", cwd)
	}
	in := &Interp{
		cwd:         cwd,
		sessionVars: make(map[string]string),
		pluginSet:   make(map[string]bool),
	}
	in.globals = starlark.StringDict{
		"get_session_var": starlark.NewBuiltin("get_session_var", in.builtinGetSessionVar),
		"save_artifact":   starlark.NewBuiltin("save_artifact", in.builtinSaveArtifact),
		"display":         starlark.NewBuiltin("display", in.builtinDisplay),
		"log":             starlark.NewBuiltin("log", in.builtinLog),
		"struct":          starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	return in, nil
}

// UpdateSessionVars shallow-merges kv into the session variable store.
func (in *Interp) UpdateSessionVars(kv map[string]string) {
	for k, v := range kv {
		in.sessionVars[k] = v
	}
}

// SessionVars returns a copy of the session variable store.
func (in *Interp) SessionVars() map[string]string {
	out := make(map[string]string, len(in.sessionVars))
	for k, v := range in.sessionVars {
		out[k] = v
	}
	return out
}

// Plugins returns the loaded plugin names in registration order.
func (in *Interp) Plugins() []string {
	return append([]string(nil), in.plugins...)
}

// LoadPlugin executes plugin source in a fresh module environment and
// binds its definitions into the session namespace under name.
// Re-registration replaces the prior binding and keeps the original
// list position.
func (in *Interp) LoadPlugin(name, source string, config map[string]any) error {
	thread := &starlark.Thread{Name: "plugin:" + name}
	thread.Print = func(_ *starlark.Thread, msg string) {} // plugin load output is discarded

	predeclared := starlark.StringDict{
		"get_config":      starlark.NewBuiltin("get_config", configGetter(config)),
		"get_session_var": in.globals["get_session_var"],
		"save_artifact":   in.globals["save_artifact"],
		"display":         in.globals["display"],
		"log":             in.globals["log"],
		"struct":          in.globals["struct"],
	}

	members, err := starlark.ExecFileOptions(fileOptions, thread, name+".star", source, predeclared)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", name, renderError(err))
	}

	in.globals[name] = &starlarkstruct.Module{Name: name, Members: members}
	if !in.pluginSet[name] {
		in.pluginSet[name] = true
		in.plugins = append(in.plugins, name)
	}
	return nil
}

// configGetter builds the get_config(key, default=None) builtin for a
// plugin's configuration mapping.
func configGetter(config map[string]any) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		var def starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
			return nil, err
		}
		if v, ok := config[key]; ok {
			return goToStarlark(v)
		}
		return def, nil
	}
}

// Execute runs a code block against the session namespace. User errors
// are rendered into the result; the returned error is reserved for
// interpreter-level faults.
func (in *Interp) Execute(code string, emit func(stream, text string)) *types.ExecutionResult {
	cap := &execCapture{emit: emit}
	in.cur = cap
	defer func() { in.cur = nil }()

	res := &types.ExecutionResult{
		Code:      code,
		IsSuccess: true,
		Stdout:    []string{},
		Stderr:    []string{},
		Log:       []types.LogEntry{},
		Artifacts: []types.Artifact{},
		Variables: []types.Variable{},
	}

	before := in.listCwd()

	thread := &starlark.Thread{Name: "exec"}
	thread.Print = func(_ *starlark.Thread, msg string) {
		cap.writeOut("stdout", msg+"\n")
	}

	output, err := in.run(thread, code)
	if err != nil {
		res.IsSuccess = false
		res.Error = renderError(err).Error()
		if msg := res.Error; msg != "" {
			cap.writeOut("stderr", msg+"\n")
		}
	} else {
		res.Output = output
	}

	res.Stdout = append(res.Stdout, cap.stdout...)
	res.Stderr = append(res.Stderr, cap.stderr...)
	res.Log = append(res.Log, cap.logs...)
	res.Artifacts = append(res.Artifacts, cap.artifacts...)
	res.Artifacts = append(res.Artifacts, in.collectNewFiles(before, res.Artifacts)...)
	res.Variables = in.SnapshotVariables()
	return res
}

// run parses and executes the block, returning the rendered value of a
// trailing expression statement, if any.
func (in *Interp) run(thread *starlark.Thread, code string) (string, error) {
	f, err := fileOptions.Parse("<code>", code, 0)
	if err != nil {
		return "", err
	}

	var exprSrc string
	if n := len(f.Stmts); n > 0 {
		if _, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			exprSrc = stmtSource(code, f.Stmts[n-1])
			f.Stmts = f.Stmts[:n-1]
		}
	}

	if err := starlark.ExecREPLChunk(f, thread, in.globals); err != nil {
		return "", err
	}
	if exprSrc == "" {
		return "", nil
	}

	v, err := starlark.EvalOptions(fileOptions, thread, "<expr>", exprSrc, in.globals)
	if err != nil {
		return "", err
	}
	if v == starlark.None {
		return "", nil
	}
	return renderValue(v), nil
}

// stmtSource extracts the exact source span of a statement, honoring
// column offsets so a trailing expression after a semicolon does not
// drag earlier code along.
func stmtSource(code string, stmt syntax.Stmt) string {
	start, end := stmt.Span()
	lines := strings.Split(code, "\n")
	if int(start.Line) < 1 || int(end.Line) > len(lines) {
		return ""
	}
	span := lines[start.Line-1 : end.Line]
	out := append([]string(nil), span...)

	last := out[len(out)-1]
	if int(end.Col) <= len(last)+1 {
		out[len(out)-1] = last[:end.Col-1]
	}
	first := out[0]
	if int(start.Col) <= len(first)+1 {
		out[0] = first[start.Col-1:]
	}
	return strings.Join(out, "\n")
}

// renderError turns interpreter errors into the user-facing diagnostic,
// preferring the full backtrace for evaluation errors.
func renderError(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("%s", evalErr.Backtrace())
	}
	return err
}

// SnapshotVariables extracts the visible session variables: names not
// starting with underscore, not in the ignore set, excluding functions,
// builtins, modules, and plugin bindings. Results are sorted by name.
func (in *Interp) SnapshotVariables() []types.Variable {
	vars := []types.Variable{}
	for name, v := range in.globals {
		if strings.HasPrefix(name, "_") || snapshotIgnore[name] || in.pluginSet[name] {
			continue
		}
		switch v.(type) {
		case *starlark.Function, *starlark.Builtin, *starlarkstruct.Module:
			continue
		}
		vars = append(vars, types.Variable{Name: name, Value: safeRender(v)})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}

// safeRender never panics; values that cannot be represented render as
// the literal placeholder.
func safeRender(v starlark.Value) (out string) {
	defer func() {
		if recover() != nil {
			out = "<unrepresentable>"
		}
	}()
	return renderValue(v)
}

// renderValue applies the rendering rules: strings verbatim, all-numeric
// lists as ndarray summaries, everything else via the debug
// representation. Output is capped at 500 characters.
func renderValue(v starlark.Value) string {
	var s string
	switch val := v.(type) {
	case starlark.String:
		s = string(val)
	case *starlark.List:
		if dtype, ok := numericDtype(val); ok {
			s = fmt.Sprintf("ndarray shape=(%d,) dtype=%s value=%s", val.Len(), dtype, val.String())
		} else {
			s = val.String()
		}
	default:
		s = v.String()
	}
	return truncate(s, maxRenderLen)
}

// numericDtype reports whether every element of the list is numeric and
// the resulting dtype: int64 when all are ints, float64 otherwise.
func numericDtype(l *starlark.List) (string, bool) {
	if l.Len() == 0 {
		return "", false
	}
	dtype := "int64"
	for i := 0; i < l.Len(); i++ {
		switch l.Index(i).(type) {
		case starlark.Int:
		case starlark.Float:
			dtype = "float64"
		default:
			return "", false
		}
	}
	return dtype, true
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

func (cap *execCapture) writeOut(stream, text string) {
	switch stream {
	case "stderr":
		cap.stderr = append(cap.stderr, text)
	default:
		cap.stdout = append(cap.stdout, text)
	}
	if cap.emit != nil {
		cap.emit(stream, text)
	}
}

// builtinGetSessionVar implements get_session_var(name, default=None).
func (in *Interp) builtinGetSessionVar(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := in.sessionVars[name]; ok {
		return starlark.String(v), nil
	}
	return def, nil
}

// builtinLog implements log(level, tag, message).
func (in *Interp) builtinLog(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var level, tag, message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "level", &level, "tag", &tag, "message", &message); err != nil {
		return nil, err
	}
	if in.cur != nil {
		in.cur.logs = append(in.cur.logs, types.LogEntry{Level: level, Tag: tag, Message: message})
	}
	return starlark.None, nil
}

// builtinSaveArtifact implements
// save_artifact(name, value, kind="file", file_name="").
func (in *Interp) builtinSaveArtifact(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, kind, fileName string
	var value starlark.Value
	kind = string(types.ArtifactFile)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "value", &value, "kind?", &kind, "file_name?", &fileName); err != nil {
		return nil, err
	}
	if in.cur == nil {
		return starlark.None, nil
	}

	content, binary, err := valueBytes(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	ak := types.ArtifactKind(kind)
	mimeType := mimeForKind(ak)
	if fileName == "" {
		fileName = fmt.Sprintf("%s%s", sanitizeName(name), extForMime(mimeType))
	}
	if err := in.persist(fileName, content); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	in.cur.artifacts = append(in.cur.artifacts, types.Artifact{
		Name:                name,
		Kind:                ak,
		MimeType:            mimeType,
		OriginalName:        name,
		FileName:            fileName,
		FileContent:         encodeContent(content, binary),
		FileContentEncoding: contentEncoding(binary),
		Preview:             preview(content, binary),
	})
	return starlark.None, nil
}

// builtinDisplay implements display(value, mime_type="text/plain").
// Inline payloads are persisted into cwd with an extension derived from
// the mime type.
func (in *Interp) builtinDisplay(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	mimeType := "text/plain"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "mime_type?", &mimeType); err != nil {
		return nil, err
	}
	if in.cur == nil {
		return starlark.None, nil
	}

	content, binary, err := valueBytes(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	in.artifactSeq++
	name := fmt.Sprintf("display-%d", in.artifactSeq)
	fileName := name + extForMime(mimeType)
	if err := in.persist(fileName, content); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	in.cur.artifacts = append(in.cur.artifacts, types.Artifact{
		Name:                name,
		Kind:                kindForMime(mimeType),
		MimeType:            mimeType,
		OriginalName:        name,
		FileName:            fileName,
		FileContent:         encodeContent(content, binary),
		FileContentEncoding: contentEncoding(binary),
		Preview:             preview(content, binary),
	})
	return starlark.None, nil
}

// persist writes artifact content into the session cwd.
func (in *Interp) persist(fileName string, content []byte) error {
	path := filepath.Join(in.cwd, filepath.Base(fileName))
	return os.WriteFile(path, content, 0o644)
}

// listCwd snapshots the file names currently present in cwd.
func (in *Interp) listCwd() map[string]bool {
	seen := make(map[string]bool)
	entries, err := os.ReadDir(in.cwd)
	if err != nil {
		return seen
	}
	for _, e := range entries {
		if !e.IsDir() {
			seen[e.Name()] = true
		}
	}
	return seen
}

// collectNewFiles reports files the execution wrote directly into cwd
// that are not already claimed by an inline artifact.
func (in *Interp) collectNewFiles(before map[string]bool, claimed []types.Artifact) []types.Artifact {
	claimedNames := make(map[string]bool, len(claimed))
	for _, a := range claimed {
		claimedNames[a.FileName] = true
	}

	var out []types.Artifact
	entries, err := os.ReadDir(in.cwd)
	if err != nil {
		return out
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || before[name] || claimedNames[name] {
			continue
		}
		mimeType := mime.TypeByExtension(filepath.Ext(name))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		out = append(out, types.Artifact{
			Name:         name,
			Kind:         types.ArtifactFile,
			MimeType:     mimeType,
			OriginalName: name,
			FileName:     name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out
}

// valueBytes extracts raw content from a string or bytes value.
func valueBytes(v starlark.Value) ([]byte, bool, error) {
	switch val := v.(type) {
	case starlark.String:
		return []byte(val), false, nil
	case starlark.Bytes:
		return []byte(val), true, nil
	default:
		return nil, false, fmt.Errorf("value must be a string or bytes, got %s", v.Type())
	}
}

func encodeContent(content []byte, binary bool) string {
	if binary {
		return base64.StdEncoding.EncodeToString(content)
	}
	return string(content)
}

func contentEncoding(binary bool) types.ContentEncoding {
	if binary {
		return types.ContentBase64
	}
	return types.ContentUTF8
}

func preview(content []byte, binary bool) string {
	if binary {
		return fmt.Sprintf("<%d bytes>", len(content))
	}
	return truncate(string(content), 200)
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

func mimeForKind(kind types.ArtifactKind) string {
	switch kind {
	case types.ArtifactImage, types.ArtifactChart:
		return "image/png"
	case types.ArtifactSVG:
		return "image/svg+xml"
	case types.ArtifactHTML:
		return "text/html"
	case types.ArtifactDataFrame:
		return "text/csv"
	case types.ArtifactText:
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func kindForMime(mimeType string) types.ArtifactKind {
	switch {
	case mimeType == "image/svg+xml":
		return types.ArtifactSVG
	case strings.HasPrefix(mimeType, "image/"):
		return types.ArtifactImage
	case mimeType == "text/html":
		return types.ArtifactHTML
	case mimeType == "text/csv":
		return types.ArtifactDataFrame
	default:
		return types.ArtifactText
	}
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/svg+xml":
		return ".svg"
	case "text/html":
		return ".html"
	case "text/csv":
		return ".csv"
	case "text/plain":
		return ".txt"
	case "application/json":
		return ".json"
	case "application/octet-stream":
		return ".bin"
	default:
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
		return ".bin"
	}
}

// goToStarlark converts plugin configuration values into interpreter
// values.
func goToStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case []any:
		elems := make([]starlark.Value, 0, len(val))
		for _, e := range val {
			sv, err := goToStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(val))
		for k, e := range val {
			sv, err := goToStarlark(e)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return starlark.String(fmt.Sprintf("%v", val)), nil
	}
}
