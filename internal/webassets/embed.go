// Package webassets embeds the admin UI: two html/template pages and the
// static script and stylesheet they load.
package webassets

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
)

//go:embed templates static
var embedded embed.FS

// Funcs are available to every admin template.
var Funcs = template.FuncMap{
	"formatSize": FormatSize,
}

// Templates parses every page under templates/. Pages are looked up by
// file name, e.g. "login.html".
func Templates() (*template.Template, error) {
	t, err := template.New("").Funcs(Funcs).ParseFS(embedded, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("webassets: parse templates: %w", err)
	}
	return t, nil
}

// StaticFS serves app.js and style.css.
func StaticFS() fs.FS {
	sub, err := fs.Sub(embedded, "static")
	if err != nil {
		panic(fmt.Errorf("webassets: static subfs: %w", err))
	}
	return sub
}

// FormatSize renders a byte count with two decimals in the largest unit
// below 1024, up to TB.
func FormatSize(n int64) string {
	units := []string{"B", "KB", "MB", "GB"}
	size := float64(n)
	for _, u := range units {
		if size < 1024 {
			return fmt.Sprintf("%.2f %s", size, u)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.2f TB", size)
}
