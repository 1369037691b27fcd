package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

var errUnknownFormat = errors.New("unknown output format")

type format string

func parseFormat(value string) (format, error) {
	switch value {
	case formatJSON, formatYAML:
		return format(value), nil
	default:
		return "", fmt.Errorf("%w %q (want json or yaml)", errUnknownFormat, value)
	}
}

// printResult writes v to the command output in the selected format.
func printResult(cmd *cli.Command, v any) error {
	selected, err := parseFormat(cmd.String("output"))
	if err != nil {
		return err
	}

	return render(cmd.Root().Writer, selected, v)
}

// render encodes v as indented JSON or block YAML. YAML goes through the
// JSON encoding so both formats use the same field names and values.
func render(out io.Writer, selected format, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if selected == formatJSON {
		_, err := fmt.Fprintln(out, string(data))

		return err //nolint:wrapcheck // Plain write
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("convert to yaml: %w", err)
	}

	blockStyle(&node)

	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)

	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}

	return encoder.Close() //nolint:wrapcheck // Flush only
}

// blockStyle drops the flow and quoting styles the JSON source implies.
func blockStyle(node *yaml.Node) {
	node.Style = 0

	for _, child := range node.Content {
		blockStyle(child)
	}
}
