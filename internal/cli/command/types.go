package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is how a field value is encoded in the request body.
type Kind int

const (
	KindString Kind = iota
	KindInt
)

// Field is one named argument of a command.
type Field struct {
	Name     string
	Aliases  []string
	Prompt   string
	Kind     Kind
	Required bool
}

func (f Field) encode(raw string) (interface{}, error) {
	if f.Kind != KindInt {
		return raw, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", f.Name, err)
	}
	return n, nil
}

// Command binds a "service action" pair to an API route.
type Command struct {
	Service      string
	Action       string
	Method       string
	PathTemplate string
	Fields       []Field
}

// Key is the name the command is registered and typed under.
func (c Command) Key() string {
	return c.Service + " " + c.Action
}

// RequestSpec is a request ready for the HTTP client.
type RequestSpec struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Params are the key=value arguments of one invocation. Keys are case
// insensitive.
type Params map[string]string

func (p Params) Get(key string) string {
	return p[strings.ToLower(key)]
}

func (p Params) Set(key, value string) {
	p[strings.ToLower(key)] = value
}

// ApplyAliases renames alias keys to the field they stand for.
func (p Params) ApplyAliases(fields []Field) {
	for _, field := range fields {
		for _, alias := range field.Aliases {
			if value, ok := p[strings.ToLower(alias)]; ok {
				delete(p, strings.ToLower(alias))
				p.Set(field.Name, value)
			}
		}
	}
}
