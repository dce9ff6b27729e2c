//go:build !linux

package procindex

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

type taggedEnviron struct {
	pid int
	env map[string]string
}

// listTaggedEnvirons falls back to gopsutil's per-process environment
// reader on platforms without a direct /proc/<pid>/environ, per the
// governing design's "or equivalent" clause.
func listTaggedEnvirons() ([]taggedEnviron, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var out []taggedEnviron
	for _, p := range procs {
		envSlice, err := p.Environ()
		if err != nil || len(envSlice) == 0 {
			continue
		}

		env := map[string]string{}
		tagged := false
		for _, kv := range envSlice {
			i := strings.IndexByte(kv, '=')
			if i < 0 {
				continue
			}
			key := kv[:i]
			env[key] = kv[i+1:]
			if key == envContextPath {
				tagged = true
			}
		}
		if !tagged {
			continue
		}
		out = append(out, taggedEnviron{pid: int(p.Pid), env: env})
	}
	return out, nil
}
