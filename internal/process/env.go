package process

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// passthrough are copied from the supervisor's own environment when set.
var passthrough = []string{
	"DISPLAY",
	"LC_ALL", "LC_COLLATE", "LC_CTYPE", "LC_MESSAGES", "LC_MONETARY", "LC_NUMERIC", "LC_TIME",
	"NLSPATH", "LANG",
	"TZ",
}

// buildEnv assembles the child environment: passthrough values first, then
// the session variables for non-root users, then the manifest overrides and
// finally the socket handoff variables. Later entries win.
func buildEnv(spec Spec, ident identity) []string {
	env := make(map[string]string)

	for _, k := range passthrough {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}

	// root jobs are system daemons and get no session variables
	if ident.uid != 0 {
		env["LOGNAME"] = ident.name
		env["USER"] = ident.name
		env["HOME"] = ident.home
		env["PATH"] = "/usr/bin:/bin:/usr/local/bin"
		env["SHELL"] = "/bin/sh"
		env["TMPDIR"] = "/tmp"
		env["PWD"] = "/"
		if spec.Dir != "" {
			env["PWD"] = spec.Dir
		}
	}

	for k, v := range spec.Env {
		env[k] = v
	}

	if n := len(spec.Handoff); n > 0 {
		names := make([]string, n)
		for i, h := range spec.Handoff {
			names[i] = h.Name
		}
		env["LISTEN_FDS"] = strconv.Itoa(n)
		env["LISTEN_FDNAMES"] = strings.Join(names, ":")
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
