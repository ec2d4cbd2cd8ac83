package core

import (
	"fmt"
	"maps"
	"strings"
)

// Command is a worker invocation template.
//
// Args may contain {name} placeholders that are substituted from Params by
// Resolve. A literal brace is not supported; worker arguments never need one.
type Command struct {
	Program string
	Args    []string
	Params  map[string]string
}

// Set binds a parameter value, allocating the map when needed.
func (c *Command) Set(name, value string) {
	if c.Params == nil {
		c.Params = make(map[string]string)
	}
	c.Params[name] = value
}

// Clone returns a copy whose Args and Params can be mutated independently.
func (c Command) Clone() Command {
	out := Command{Program: c.Program}
	out.Args = append([]string(nil), c.Args...)
	if c.Params != nil {
		out.Params = maps.Clone(c.Params)
	}
	return out
}

// Resolve substitutes every placeholder and returns the final argument list
// (program excluded).
func (c Command) Resolve() ([]string, error) {
	out := make([]string, 0, len(c.Args))
	for i, a := range c.Args {
		r, err := c.expand(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", i, c.Program, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (c Command) expand(arg string) (string, error) {
	if !strings.Contains(arg, "{") {
		return arg, nil
	}
	var b strings.Builder
	rest := arg
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", arg)
		}
		name := rest[open+1 : open+end]
		v, ok := c.Params[name]
		if !ok {
			return "", fmt.Errorf("unknown placeholder {%s}", name)
		}
		b.WriteString(rest[:open])
		b.WriteString(v)
		rest = rest[open+end+1:]
	}
}

// String renders the command line with placeholders resolved. Unresolvable
// arguments are rendered verbatim.
func (c Command) String() string {
	args, err := c.Resolve()
	if err != nil {
		args = c.Args
	}
	if len(args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(args, " ")
}
