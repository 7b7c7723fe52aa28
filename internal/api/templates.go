package api

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
)

//go:embed templates/*.html static/*.js
var assets embed.FS

type indexPage struct {
	Flashes          []Flash
	Formats          []string
	DefaultFormat    string
	RemoveBackground bool
	MaxUploadMB      int64
}

type viewPage struct {
	Flashes     []Flash
	Filename    string
	Format      string
	Size        int64
	ImageURL    string
	DownloadURL string
}

var pageFuncs = template.FuncMap{
	"humanBytes": humanBytes,
}

// parsePages pairs every page with the shared layout.
func parsePages() (map[string]*template.Template, error) {
	pages := make(map[string]*template.Template, 2)
	for _, name := range []string{"index", "view"} {
		tmpl, err := template.New(name).Funcs(pageFuncs).ParseFS(assets,
			"templates/layout.html",
			"templates/"+name+".html",
		)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		pages[name] = tmpl
	}
	return pages, nil
}

func staticFiles() fs.FS {
	sub, err := fs.Sub(assets, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}
