package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/makeasinger/genqueue/internal/model"
)

// ErrNoWorkflow is returned when no template exists for a job type
var ErrNoWorkflow = errors.New("no workflow template for job type")

// defaultsKey holds a template's fallback parameter values. It is not part
// of the workflow sent to the engine.
const defaultsKey = "_defaults"

// WorkflowLibrary holds one engine workflow template per job type. String
// values of the form "$name" are placeholders filled from job params; a
// placeholder embedded in a longer string is substituted textually.
type WorkflowLibrary struct {
	mu        sync.RWMutex
	templates map[model.JobType]map[string]any
	defaults  map[model.JobType]map[string]any
}

func NewWorkflowLibrary() *WorkflowLibrary {
	return &WorkflowLibrary{
		templates: make(map[model.JobType]map[string]any),
		defaults:  make(map[model.JobType]map[string]any),
	}
}

// LoadWorkflowDir reads <dir>/<jobType>.json for every known job type.
// Missing files are skipped; unreadable ones are an error.
func LoadWorkflowDir(dir string) (*WorkflowLibrary, error) {
	lib := NewWorkflowLibrary()
	for _, t := range model.ValidJobTypes {
		path := filepath.Join(dir, string(t)+".json")
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
		}
		var tmpl map[string]any
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
		}
		lib.Add(t, tmpl)
	}
	return lib, nil
}

// Add registers the template for t. A top-level "_defaults" object is split
// off and used for placeholders the job's params leave out.
func (l *WorkflowLibrary) Add(t model.JobType, tmpl map[string]any) {
	workflow := make(map[string]any, len(tmpl))
	var defaults map[string]any
	for k, v := range tmpl {
		if k == defaultsKey {
			defaults, _ = v.(map[string]any)
			continue
		}
		workflow[k] = v
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.templates[t] = workflow
	l.defaults[t] = defaults
}

// Types returns the job types with a template
func (l *WorkflowLibrary) Types() []model.JobType {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.JobType, 0, len(l.templates))
	for _, t := range model.ValidJobTypes {
		if _, ok := l.templates[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Build returns a fresh workflow for t with params filled in, falling back
// to the template defaults for params the job leaves out
func (l *WorkflowLibrary) Build(t model.JobType, params map[string]any) (map[string]any, error) {
	l.mu.RLock()
	tmpl, ok := l.templates[t]
	defaults := l.defaults[t]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWorkflow, t)
	}

	if len(defaults) > 0 {
		merged := make(map[string]any, len(defaults)+len(params))
		for k, v := range defaults {
			merged[k] = v
		}
		for k, v := range params {
			merged[k] = v
		}
		params = merged
	}

	out, err := fill(tmpl, params)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func fill(v any, params map[string]any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			filled, err := fill(child, params)
			if err != nil {
				return nil, err
			}
			out[k] = filled
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			filled, err := fill(child, params)
			if err != nil {
				return nil, err
			}
			out[i] = filled
		}
		return out, nil
	case string:
		return fillString(val, params)
	default:
		return val, nil
	}
}

func fillString(s string, params map[string]any) (any, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}
	// whole-value placeholder keeps the param's type
	if name, ok := placeholder(s); ok {
		p, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("missing parameter %q", name)
		}
		return p, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' {
			b.WriteByte(s[i])
			continue
		}
		j := i + 1
		for j < len(s) && isNameByte(s[j]) {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			continue
		}
		name := s[i+1 : j]
		p, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("missing parameter %q", name)
		}
		fmt.Fprint(&b, p)
		i = j - 1
	}
	return b.String(), nil
}

func placeholder(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	for i := 1; i < len(s); i++ {
		if !isNameByte(s[i]) {
			return "", false
		}
	}
	return s[1:], true
}

func isNameByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
