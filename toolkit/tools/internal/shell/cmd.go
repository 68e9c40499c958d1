// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"strconv"
	"strings"
)

// Cmd describes a single external program invocation.
type Cmd struct {
	// Args is the program followed by its arguments. Args[0] must be set.
	Args []string
	// Dir is the working directory. When Root is set, Dir is relative to Root and defaults to "/".
	Dir string
	// Root switches the root directory of the child process only.
	Root string
	// Env is added on top of the host environment. Later entries win.
	Env []string
}

func Command(args ...string) Cmd {
	return Cmd{
		Args: args,
	}
}

func (c Cmd) InDir(dir string) Cmd {
	c.Dir = dir
	return c
}

func (c Cmd) InRoot(root string) Cmd {
	c.Root = root
	return c
}

func (c Cmd) WithEnv(env ...string) Cmd {
	c.Env = append(append([]string(nil), c.Env...), env...)
	return c
}

// Program returns the name of the executable.
func (c Cmd) Program() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// String renders the argument vector the way it is shown in the audit log.
func (c Cmd) String() string {
	return JoinArgs(c.Args)
}

// JoinArgs renders an argument vector on one line, quoting arguments that contain whitespace or quotes.
func JoinArgs(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'") {
			arg = strconv.Quote(arg)
		}
		quoted = append(quoted, arg)
	}
	return strings.Join(quoted, " ")
}
