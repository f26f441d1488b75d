package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/loykin/appmaker/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// printProject prints the project header and its file list, not the sources.
func printProject(w io.Writer, p client.Project) {
	_, _ = fmt.Fprintf(w, "%s\t%s\n", p.ProjectID, p.Name)
	names := make([]string, 0, len(p.Files))
	for name := range p.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %s (%d bytes)\n", name, len(p.Files[name]))
	}
}
