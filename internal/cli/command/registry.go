package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const apiPrefix = "/api/v1/fleet"

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	idField := Field{Name: "id", Prompt: "instance_id", Kind: KindString, Required: true}
	commands := []Command{
		{
			Service:      "instance",
			Action:       "create",
			Method:       "POST",
			PathTemplate: apiPrefix + "/instances",
			Fields: []Field{
				{Name: "id", Prompt: "instance_id", Kind: KindString},
				{Name: "image", Prompt: "image", Kind: KindString},
			},
		},
		{
			Service:      "instance",
			Action:       "batch",
			Method:       "POST",
			PathTemplate: apiPrefix + "/instances/batch",
			Fields: []Field{
				{Name: "count", Aliases: []string{"n"}, Prompt: "count", Kind: KindInt, Required: true},
				{Name: "image", Prompt: "image", Kind: KindString},
			},
		},
		{
			Service:      "instance",
			Action:       "list",
			Method:       "GET",
			PathTemplate: apiPrefix + "/instances",
		},
		{
			Service:      "instance",
			Action:       "get",
			Method:       "GET",
			PathTemplate: apiPrefix + "/instances/:id",
			Fields:       []Field{idField},
		},
		{
			Service:      "instance",
			Action:       "stop",
			Method:       "POST",
			PathTemplate: apiPrefix + "/instances/:id/stop",
			Fields:       []Field{idField},
		},
		{
			Service:      "instance",
			Action:       "start",
			Method:       "POST",
			PathTemplate: apiPrefix + "/instances/:id/start",
			Fields:       []Field{idField},
		},
		{
			Service:      "instance",
			Action:       "restart",
			Method:       "POST",
			PathTemplate: apiPrefix + "/instances/:id/restart",
			Fields:       []Field{idField},
		},
		{
			Service:      "instance",
			Action:       "rotate",
			Method:       "POST",
			PathTemplate: apiPrefix + "/instances/:id/rotate",
			Fields: []Field{
				idField,
				{Name: "endpoint", Aliases: []string{"proxy"}, Prompt: "endpoint", Kind: KindString},
			},
		},
		{
			Service:      "instance",
			Action:       "remove",
			Method:       "DELETE",
			PathTemplate: apiPrefix + "/instances/:id",
			Fields:       []Field{idField},
		},
		{
			Service:      "proxy",
			Action:       "list",
			Method:       "GET",
			PathTemplate: apiPrefix + "/proxies",
		},
		{
			Service:      "fleet",
			Action:       "health",
			Method:       "GET",
			PathTemplate: apiPrefix + "/healthz",
		},
		{
			Service:      "fleet",
			Action:       "doctor",
			Method:       "GET",
			PathTemplate: apiPrefix + "/doctor",
		},
		{
			Service:      "fleet",
			Action:       "rotate",
			Method:       "POST",
			PathTemplate: apiPrefix + "/rotate",
		},
		{
			Service:      "fleet",
			Action:       "stop",
			Method:       "POST",
			PathTemplate: apiPrefix + "/stop",
		},
		{
			Service:      "fleet",
			Action:       "cleanup",
			Method:       "POST",
			PathTemplate: apiPrefix + "/cleanup",
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// Names lists the registry keys in order.
func Names(commands map[string]Command) []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.ApplyAliases(cmd.Fields)
	for _, field := range cmd.Fields {
		if field.Required && params.Get(field.Name) == "" {
			return RequestSpec{}, fmt.Errorf("missing parameter: %s", field.Name)
		}
	}
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if len(payload) > 0 {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	if strings.Contains(path, ":id") {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, ":id", url.PathEscape(value))
	}
	return path, nil
}

// buildPayload encodes the non-path fields that were given.
func buildPayload(cmd Command, params Params) (map[string]interface{}, error) {
	payload := make(map[string]interface{})
	for _, field := range cmd.Fields {
		if strings.Contains(cmd.PathTemplate, ":"+field.Name) {
			continue
		}
		value := params.Get(field.Name)
		if value == "" {
			continue
		}
		encoded, err := field.encode(value)
		if err != nil {
			return nil, err
		}
		payload[field.Name] = encoded
	}
	return payload, nil
}
