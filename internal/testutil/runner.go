package testutil

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Call records one Runner invocation.
type Call struct {
	Name string
	Args []string
	Env  []string
}

// Runner is a fake command runner. Commands named "pg_dump" write
// DumpContent to the path following -f.
type Runner struct {
	mu    sync.Mutex
	calls []Call

	DumpContent string
	// Err fails commands by name.
	Err map[string]error
	// Panic makes commands panic with the given value, by name.
	Panic map[string]any
}

func NewRunner() *Runner {
	return &Runner{DumpContent: "-- dump\nCREATE TABLE t (id int);\n", Err: make(map[string]error), Panic: make(map[string]any)}
}

func (r *Runner) Run(_ context.Context, name string, args []string, env []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Name: name, Args: slices.Clone(args), Env: slices.Clone(env)})
	err := r.Err[name]
	p, panics := r.Panic[name]
	content := r.DumpContent
	r.mu.Unlock()

	if panics {
		panic(p)
	}

	if err != nil {
		return err
	}
	if filepath.Base(name) == "pg_dump" {
		if out := flagValue(args, "-f"); out != "" {
			return os.WriteFile(out, []byte(content), 0o644)
		}
	}
	return nil
}

// Calls returns the recorded invocations of name.
func (r *Runner) Calls(name string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// Admin is a fake dumper.Admin.
type Admin struct {
	mu        sync.Mutex
	recreated []string
	Err       error
}

func (a *Admin) Recreate(_ context.Context, database string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.recreated = append(a.recreated, database)
	return nil
}

// Recreated returns the databases passed to Recreate.
func (a *Admin) Recreated() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.recreated)
}
