package comfyui

import (
	"fmt"
	"strconv"

	"genstudio/logger"
	"genstudio/settings"
	"genstudio/workflow"

	"github.com/richinsley/comfy2go/graphapi"
)

// ConvertUIWorkflow turns a UI-format workflow (nodes + links, as saved by
// the editor) into an API-format graph. The engine must be reachable: node
// definitions are read from its object_info.
func ConvertUIWorkflow(config settings.ComfyUiConfig, portName, path string) (workflow.Graph, error) {
	c, err := NewClient(config, portName)
	if err != nil {
		return nil, err
	}
	return c.ConvertUIWorkflow(path)
}

// ConvertUIWorkflow converts the UI-format workflow at path. Only
// object_info is fetched, so comfy2go never opens its websocket.
func (c *Client) ConvertUIWorkflow(path string) (workflow.Graph, error) {
	logger.Debug("Reading node definitions", "engine", c.BaseURL)
	objects, err := c.comfy.GetObjectInfos()
	if err != nil {
		return nil, fmt.Errorf("error reading node definitions: %w", err)
	}

	graph, missing, err := graphapi.NewGraphFromJsonFile(path, objects)
	if err != nil {
		if missing != nil && len(*missing) > 0 {
			return nil, fmt.Errorf("error loading graph JSON: %w: %v", err, *missing)
		}
		return nil, fmt.Errorf("error loading graph JSON: %w", err)
	}
	prompt, err := graph.GraphToPrompt(c.ClientID)
	if err != nil {
		return nil, fmt.Errorf("error converting graph to prompt: %w", err)
	}
	return promptGraph(graph, prompt), nil
}

// promptGraph maps a comfy2go prompt onto an API graph, carrying each
// node's title (or display name) in _meta like the editor's API export.
func promptGraph(graph *graphapi.Graph, prompt graphapi.Prompt) workflow.Graph {
	g := make(workflow.Graph, len(prompt.Nodes))
	for id, node := range prompt.Nodes {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = v
		}
		raw := map[string]any{
			"class_type": node.ClassType,
			"inputs":     inputs,
		}
		if gn := graph.GetNodeById(id); gn != nil {
			title := gn.Title
			if title == "" {
				title = gn.DisplayName
			}
			if title != "" {
				raw["_meta"] = map[string]any{"title": title}
			}
		}
		g[strconv.Itoa(id)] = raw
	}
	return g
}
