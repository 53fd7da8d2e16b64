package plan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/buildgrid/internal/ctxlog"
)

// EvalVars are the session values plan expressions may reference, e.g.
// `description = "retry ${session.iteration} of the parser"`.
type EvalVars struct {
	SessionID string
	Iteration int
}

func (v EvalVars) evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"session": cty.ObjectVal(map[string]cty.Value{
				"id":        cty.StringVal(v.SessionID),
				"iteration": cty.NumberIntVal(int64(v.Iteration)),
			}),
		},
	}
}

// Load reads a plan from a single .hcl file or from every .hcl file in a
// directory, merging all task blocks in deterministic (sorted path) order.
func Load(ctx context.Context, path string, vars EvalVars) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading task plan.", "path", path)

	files, err := findPlanFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no plan files found at %s", path)
	}

	parser := hclparse.NewParser()
	evalCtx := vars.evalContext()

	merged := &Plan{}
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse plan file %s: %s", file, diags.Error())
		}

		var p Plan
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &p); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode plan file %s: %s", file, diags.Error())
		}
		if merged.Design == nil {
			merged.Design = p.Design
		}
		merged.Tasks = append(merged.Tasks, p.Tasks...)
	}

	logger.Debug("Task plan loaded.", "files", len(files), "tasks", len(merged.Tasks))
	return merged, nil
}

// Decode parses a plan from an in-memory buffer. The filename is only used
// in diagnostics.
func Decode(ctx context.Context, filename string, src []byte, vars EvalVars) (*Plan, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse plan %s: %s", filename, diags.Error())
	}

	var p Plan
	if diags := gohcl.DecodeBody(hclFile.Body, vars.evalContext(), &p); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode plan %s: %s", filename, diags.Error())
	}
	return &p, nil
}

// findPlanFiles resolves a path into a sorted list of .hcl files. A file path
// is returned as-is; a directory is scanned non-recursively.
func findPlanFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plan path %s: %w", path, err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan directory %s: %w", path, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".hcl") {
			continue
		}
		files = append(files, filepath.Join(path, entry.Name()))
	}
	// os.ReadDir already sorts by name; keep that ordering for determinism.
	return files, nil
}
