package scribe

import (
	"bytes"
	"html/template"
	"sort"
	"time"

	"wheelforge/db"
)

// fileEntry is the per-wheel row both the simple and project page templates
// render. Hash is rendered as a PyPI-style #sha256=<hex> link fragment so a
// client can verify the download without a separate metadata request.
type fileEntry struct {
	Filename string
	Hash     string
}

// packageIndexModel is the stable model boundary for simple/<package>/index.html.
type packageIndexModel struct {
	Package string
	Files   []fileEntry
}

// projectIndexModel is the stable model boundary for project/<package>/index.html.
type projectIndexModel struct {
	Package       string
	LatestVersion string
	Files         []fileEntry
	GeneratedAt   time.Time
}

// rootIndexModel is the stable model boundary for the top-level simple/index.html.
type rootIndexModel struct {
	Packages []string
}

// statsPageModel is the stable model boundary for stats.html.
type statsPageModel struct {
	db.Statistics
	GeneratedAt time.Time
}

func filesToEntries(files []db.BuildFile) []fileEntry {
	out := make([]fileEntry, 0, len(files))
	for _, f := range files {
		out = append(out, fileEntry{Filename: f.Filename, Hash: f.Filehash})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

func latestVersion(files []db.BuildFile) string {
	var latest string
	for _, f := range files {
		if f.VersionTag > latest {
			latest = f.VersionTag
		}
	}
	return latest
}

var packageIndexTmpl = template.Must(template.New("package").Parse(`<!DOCTYPE html>
<html>
<head><title>Links for {{.Package}}</title></head>
<body>
<h1>Links for {{.Package}}</h1>
{{range .Files}}<a href="{{.Filename}}#sha256={{.Hash}}">{{.Filename}}</a><br/>
{{end}}</body>
</html>
`))

var projectIndexTmpl = template.Must(template.New("project").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Package}}</title></head>
<body>
<h1>{{.Package}}</h1>
<p>Latest version: {{.LatestVersion}}</p>
<h2>Files</h2>
{{range .Files}}<a href="../../simple/{{$.Package}}/{{.Filename}}#sha256={{.Hash}}">{{.Filename}}</a><br/>
{{end}}
<p>Generated: {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}</p>
</body>
</html>
`))

var rootIndexTmpl = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html>
<head><title>Simple index</title></head>
<body>
{{range .Packages}}<a href="{{.}}/">{{.}}</a><br/>
{{end}}</body>
</html>
`))

var statsPageTmpl = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html>
<head><title>wheelforge statistics</title></head>
<body>
<h1>wheelforge statistics</h1>
<ul>
<li>Packages: {{.Packages}}</li>
<li>Versions: {{.Versions}}</li>
<li>Builds: {{.Builds}} ({{.BuildsOK}} ok, {{.BuildsFailed}} failed)</li>
<li>Files: {{.Files}}</li>
<li>Downloads (last 24h): {{.DownloadsLast24h}}</li>
<li>Disk usage: {{.DiskBytes}} bytes</li>
</ul>
<p>Generated: {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}</p>
</body>
</html>
`))

func renderPackageIndex(pkg string, files []db.BuildFile) ([]byte, error) {
	var buf bytes.Buffer
	model := packageIndexModel{Package: pkg, Files: filesToEntries(files)}
	if err := packageIndexTmpl.Execute(&buf, model); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderProjectIndex(pkg string, files []db.BuildFile, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	model := projectIndexModel{
		Package:       pkg,
		LatestVersion: latestVersion(files),
		Files:         filesToEntries(files),
		GeneratedAt:   now,
	}
	if err := projectIndexTmpl.Execute(&buf, model); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderRootIndex(packages []string) ([]byte, error) {
	var buf bytes.Buffer
	sorted := append([]string(nil), packages...)
	sort.Strings(sorted)
	if err := rootIndexTmpl.Execute(&buf, rootIndexModel{Packages: sorted}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderStatsPage(stats db.Statistics, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	model := statsPageModel{Statistics: stats, GeneratedAt: now}
	if err := statsPageTmpl.Execute(&buf, model); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
