// Command validate loads a template directory the same way the server does
// and prints the tool schema each template would expose. Useful for checking
// new workflow exports before deploying them.
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	"comfy-mcp/server/internal/defaults"
	"comfy-mcp/server/internal/logging"
	"comfy-mcp/server/internal/template"
)

func main() {
	dir := flag.String("dir", "./workflows", "Template directory to validate")
	flag.Parse()

	logger := logging.NewLogger()

	resolver := template.NewResolver(*dir, defaults.NewManager(nil), logger)
	if err := resolver.Load(); err != nil {
		log.Fatalf("Failed to load templates: %v", err)
	}

	defs := resolver.Definitions()
	if len(defs) == 0 {
		log.Fatalf("No valid templates found in %s", *dir)
	}

	for _, def := range defs {
		fmt.Printf("%s (%s)\n", def.ToolName, def.Namespace)

		names := make([]string, 0, len(def.Parameters))
		for name := range def.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			p := def.Parameters[name]
			required := "optional"
			if p.Required {
				required = "required"
			}
			fmt.Printf("  %-20s %-8s %s (token %s)\n", name, p.Type, required, p.Token)
		}
	}
	fmt.Printf("%d template(s) OK\n", len(defs))
}
